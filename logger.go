package bekenboot

// Logger receives the package's diagnostics. Frame dumps go to Debugf,
// recovery attempts to Warnf. A *logrus.Logger or *logrus.Entry satisfies it.
type Logger interface {
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Errorf(string, ...interface{})
}

type nullLogger struct{}

func (nullLogger) Debugf(format string, args ...interface{}) {}
func (nullLogger) Infof(format string, args ...interface{})  {}
func (nullLogger) Warnf(format string, args ...interface{})  {}
func (nullLogger) Errorf(format string, args ...interface{}) {}

var pkgLog Logger = nullLogger{}

// SetLogger sets the logger used internally by the package. Passing nil
// silences it again.
func SetLogger(l Logger) {
	if l == nil {
		l = nullLogger{}
	}
	pkgLog = l
}
