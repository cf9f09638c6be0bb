package pubsub

import (
	"fmt"
	"maps"
	"slices"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/trickstertwo/xlog"
)

// loggerAdapter routes watermill's logging into xlog. Trace goes to Debug.
type loggerAdapter struct {
	l      *xlog.Logger
	fields watermill.LogFields
}

// NewLogger adapts l for watermill components.
func NewLogger(l *xlog.Logger) watermill.LoggerAdapter {
	if l == nil {
		l = xlog.Default()
	}
	return &loggerAdapter{l: l}
}

func (a *loggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	e := a.l.Error().Err(err)
	for _, k := range a.keys(fields) {
		e = e.Str(k, fmt.Sprint(a.value(fields, k)))
	}
	e.Msg(msg)
}

func (a *loggerAdapter) Info(msg string, fields watermill.LogFields) {
	e := a.l.Info()
	for _, k := range a.keys(fields) {
		e = e.Str(k, fmt.Sprint(a.value(fields, k)))
	}
	e.Msg(msg)
}

func (a *loggerAdapter) Debug(msg string, fields watermill.LogFields) {
	e := a.l.Debug()
	for _, k := range a.keys(fields) {
		e = e.Str(k, fmt.Sprint(a.value(fields, k)))
	}
	e.Msg(msg)
}

func (a *loggerAdapter) Trace(msg string, fields watermill.LogFields) {
	a.Debug(msg, fields)
}

func (a *loggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &loggerAdapter{l: a.l, fields: a.fields.Add(fields)}
}

// keys returns the merged field names in a stable order.
func (a *loggerAdapter) keys(fields watermill.LogFields) []string {
	all := maps.Clone(map[string]any(a.fields))
	if all == nil {
		all = map[string]any{}
	}
	maps.Copy(all, fields)
	return slices.Sorted(maps.Keys(all))
}

func (a *loggerAdapter) value(fields watermill.LogFields, k string) any {
	if v, ok := fields[k]; ok {
		return v
	}
	return a.fields[k]
}
