package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/carlmjohnson/versioninfo"
	"github.com/cybroslabs/dlms-accesspoint-go/apdu"
	"github.com/cybroslabs/dlms-accesspoint-go/base"
	"github.com/cybroslabs/dlms-accesspoint-go/internal/registry"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const maxRegistrationBody = 64 * 1024

type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Meters   int    `json:"meters"`
	Readings int    `json:"readings"`
}

type metersResponse struct {
	Payload string   `json:"payload"`
	Meters  []string `json:"meters"`
}

type readResponse struct {
	Meter string `json:"meter"`
	Data  string `json:"data"`
}

func (s *Server) RegisterRoutes() http.Handler {
	e := echo.New()
	e.HideBanner = true
	if s.httpLog {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())

	e.GET("/healthcheck", s.HealthCheckHandler)
	e.GET("/meters", s.MetersHandler)
	e.POST("/meters", s.RegisterHandler)
	e.GET("/readings", s.ReadingsHandler)
	e.GET("/readings/:meter", s.ReadingHandler)
	e.GET("/meters/:meter/objects/:class/:obis/:attribute", s.ReadObjectHandler)
	e.POST("/meters/:meter/connect", s.ConnectHandler)

	return e
}

func (s *Server) HealthCheckHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:   "OK",
		Version:  versioninfo.Short(),
		Meters:   s.registry.Snapshot().Len(),
		Readings: s.store.Len(),
	})
}

func snapshotResponse(snap *registry.Snapshot) metersResponse {
	meters := snap.Meters
	if meters == nil {
		meters = []string{}
	}
	return metersResponse{Payload: snap.Payload.String(), Meters: meters}
}

func (s *Server) MetersHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, snapshotResponse(s.registry.Snapshot()))
}

// RegisterHandler takes a registration line as the plain text body.
func (s *Server) RegisterHandler(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxRegistrationBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.registry.Interpret(string(body)); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, snapshotResponse(s.registry.Snapshot()))
}

func (s *Server) ReadingsHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, s.store.All())
}

func meterParam(c echo.Context) (string, error) {
	meter, err := url.PathUnescape(c.Param("meter"))
	if err != nil || meter == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid meter")
	}
	return meter, nil
}

func (s *Server) ReadingHandler(c echo.Context) error {
	meter, err := meterParam(c)
	if err != nil {
		return err
	}
	r, ok := s.store.Get(meter)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no reading for meter")
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) ReadObjectHandler(c echo.Context) error {
	meter, err := meterParam(c)
	if err != nil {
		return err
	}
	class, err := strconv.ParseUint(c.Param("class"), 10, 16)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid class id")
	}
	attribute, err := strconv.ParseInt(c.Param("attribute"), 10, 8)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid attribute")
	}
	obis, err := url.PathUnescape(c.Param("obis"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid obis")
	}
	if _, err := apdu.ParseObis(obis); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.requestTimeout)
	defer cancel()
	d, err := s.ctl.Read(ctx, meter, apdu.AttributeDescriptor{ClassID: uint16(class), Instance: obis, Attribute: int8(attribute)})
	if err != nil {
		return s.meterError(err)
	}
	return c.JSON(http.StatusOK, readResponse{Meter: meter, Data: d.String()})
}

// ConnectHandler operates the disconnect control, ?reconnect=true reconnects the supply.
func (s *Server) ConnectHandler(c echo.Context) error {
	meter, err := meterParam(c)
	if err != nil {
		return err
	}
	reconnect := false
	if q := c.QueryParam("reconnect"); q != "" {
		if reconnect, err = strconv.ParseBool(q); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid reconnect flag")
		}
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), s.requestTimeout)
	defer cancel()
	if err := s.ctl.ServiceConnect(ctx, meter, reconnect); err != nil {
		return s.meterError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) meterError(err error) error {
	if s.logger != nil {
		s.logger.Warnf("Meter request failed: %v", err)
	}
	switch {
	case errors.Is(err, base.ErrInvalidDestination):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	}
	return echo.NewHTTPError(http.StatusBadGateway, err.Error())
}
