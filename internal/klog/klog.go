// Package klog centralizes the daemon's small set of fixed log-line
// prefixes so call sites stay one-line, using the stdlib log.Printf style
// plain throughout the rest of the daemon.
package klog

import "log"

func init() {
	log.SetFlags(log.Ltime)
}

func Info(format string, args ...any) {
	log.Printf("ℹ️  "+format, args...)
}

func Start(format string, args ...any) {
	log.Printf("▶️  "+format, args...)
}

func Stop(format string, args ...any) {
	log.Printf("⏹️  "+format, args...)
}

func Warn(format string, args ...any) {
	log.Printf("⚠️  "+format, args...)
}

func Error(format string, args ...any) {
	log.Printf("❌ "+format, args...)
}

func Fatal(format string, args ...any) {
	log.Fatalf("❌ "+format, args...)
}
