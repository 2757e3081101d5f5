package base

import (
	"encoding/hex"
	"strings"

	"go.uber.org/zap"
)

func EncodeHexString(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// LogHex dumps data at debug level, nil logger is allowed.
func LogHex(logger *zap.SugaredLogger, msg string, data []byte) {
	if logger == nil {
		return
	}
	logger.Debugf("%s: %6d %s", msg, len(data), EncodeHexString(data))
}
