package core

import "io"

// Logger is the leveled logging interface the core writes diagnostics to.
// It is satisfied by *github.com/gologme/log.Logger, which the daemon uses.
type Logger interface {
	Printf(string, ...interface{})
	Println(...interface{})
	Infof(string, ...interface{})
	Infoln(...interface{})
	Warnf(string, ...interface{})
	Warnln(...interface{})
	Errorf(string, ...interface{})
	Errorln(...interface{})
	Debugf(string, ...interface{})
	Debugln(...interface{})
}

type nopLogger struct{ io.Writer }

func (nopLogger) Printf(string, ...interface{}) {}
func (nopLogger) Println(...interface{})        {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Infoln(...interface{})         {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Warnln(...interface{})         {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Errorln(...interface{})        {}
func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Debugln(...interface{})        {}
