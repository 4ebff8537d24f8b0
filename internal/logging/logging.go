// Package logging builds the process-wide structured logger.
package logging

import "github.com/sirupsen/logrus"

// New returns a logrus.Logger configured with a full-timestamp text
// formatter, with its level set from a textual name and falling back
// to info on an unrecognized one.
func New(levelName string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		log.Warnf("invalid log level %q, defaulting to info", levelName)
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}
