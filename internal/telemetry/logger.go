package telemetry

import (
	"go.uber.org/zap"
)

// NewLogger returns a JSON production logger, or a console logger when dev is set.
func NewLogger(service string, dev bool) (*zap.Logger, error) {
	var (
		log *zap.Logger
		err error
	)
	if dev {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return log.With(zap.String("service", service)), nil
}
