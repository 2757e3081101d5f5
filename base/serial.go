package base

import "fmt"

type SerialDataBits int
type SerialParity int
type SerialStopBits int
type SerialFlowControl int

const (
	Serial5DataBits          SerialDataBits    = 5
	Serial6DataBits          SerialDataBits    = 6
	Serial7DataBits          SerialDataBits    = 7
	Serial8DataBits          SerialDataBits    = 8
	SerialNoParity           SerialParity      = 1
	SerialOddParity          SerialParity      = 2
	SerialEvenParity         SerialParity      = 3
	SerialMarkParity         SerialParity      = 4
	SerialSpaceParity        SerialParity      = 5
	SerialOneStopBit         SerialStopBits    = 1
	SerialTwoStopBits        SerialStopBits    = 2
	SerialOneAndHalfStopBits SerialStopBits    = 3
	SerialNoFlowControl      SerialFlowControl = 1
	SerialHWFlowControl      SerialFlowControl = 3
)

type SerialSettings struct {
	BaudRate    int
	DataBits    SerialDataBits
	Parity      SerialParity
	StopBits    SerialStopBits
	FlowControl SerialFlowControl
}

// DefaultSerialSettings is the IEC 62056-21 mode E line after baud switch.
func DefaultSerialSettings() SerialSettings {
	return SerialSettings{
		BaudRate:    9600,
		DataBits:    Serial8DataBits,
		Parity:      SerialNoParity,
		StopBits:    SerialOneStopBit,
		FlowControl: SerialNoFlowControl,
	}
}

func (s SerialSettings) Validate() error {
	if s.BaudRate <= 0 {
		return fmt.Errorf("invalid baud rate %d", s.BaudRate)
	}
	switch s.DataBits {
	case Serial5DataBits, Serial6DataBits, Serial7DataBits, Serial8DataBits:
	default:
		return fmt.Errorf("invalid data bits %d", s.DataBits)
	}
	switch s.Parity {
	case SerialNoParity, SerialOddParity, SerialEvenParity, SerialMarkParity, SerialSpaceParity:
	default:
		return fmt.Errorf("invalid parity %d", s.Parity)
	}
	switch s.StopBits {
	case SerialOneStopBit, SerialTwoStopBits, SerialOneAndHalfStopBits:
	default:
		return fmt.Errorf("invalid stop bits %d", s.StopBits)
	}
	switch s.FlowControl {
	case SerialNoFlowControl, SerialHWFlowControl:
	default:
		return fmt.Errorf("unsupported flow control %d", s.FlowControl)
	}
	return nil
}
