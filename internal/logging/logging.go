// Package logging wires go-logr/logr to a go.uber.org/zap backend via
// go-logr/zapr, the same combination cmd/thv-registry-api/main.go uses
// (there via sigs.k8s.io/controller-runtime/pkg/log, here standalone
// since this service has no controller-runtime manager to host it).
package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logr.Logger backed by zap. development widens log level
// to Debug and switches to console encoding, matching zap.Options{Development: true}
// in the teacher's main.go.
func New(development bool) (logr.Logger, func(), error) {
	var zl *zap.Logger
	var err error
	if development {
		zl, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zl, err = cfg.Build()
	}
	if err != nil {
		return logr.Logger{}, nil, err
	}
	logger := zapr.NewLogger(zl)
	return logger, func() { _ = zl.Sync() }, nil
}
