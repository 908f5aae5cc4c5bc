package schema

// LoggingLevel is an RFC 5424 severity used by logging/setLevel and notifications/message.
type LoggingLevel string

const (
	LoggingLevelDebug     LoggingLevel = "debug"
	LoggingLevelInfo      LoggingLevel = "info"
	LoggingLevelNotice    LoggingLevel = "notice"
	LoggingLevelWarning   LoggingLevel = "warning"
	LoggingLevelError     LoggingLevel = "error"
	LoggingLevelCritical  LoggingLevel = "critical"
	LoggingLevelAlert     LoggingLevel = "alert"
	LoggingLevelEmergency LoggingLevel = "emergency"
)

var loggingSeverity = map[LoggingLevel]int{
	LoggingLevelDebug:     0,
	LoggingLevelInfo:      1,
	LoggingLevelNotice:    2,
	LoggingLevelWarning:   3,
	LoggingLevelError:     4,
	LoggingLevelCritical:  5,
	LoggingLevelAlert:     6,
	LoggingLevelEmergency: 7,
}

// Valid returns true for known logging levels.
func (l LoggingLevel) Valid() bool {
	_, ok := loggingSeverity[l]
	return ok
}

// Severity returns a comparable rank; higher is more severe. Unknown levels rank lowest.
func (l LoggingLevel) Severity() int {
	rank, ok := loggingSeverity[l]
	if !ok {
		return -1
	}
	return rank
}
