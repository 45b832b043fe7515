// Package logtest provides assertions over captured logrus output, used by
// service tests that verify pipeline progress through log messages.
package logtest

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
)

// AssertLogsContain checks that the wanted string appears in the captured
// log output.
func AssertLogsContain(t *testing.T, hook *test.Hook, want string) {
	t.Helper()
	assertLogs(t, hook, want, true)
}

// AssertLogsDoNotContain is the inverse check of AssertLogsContain.
func AssertLogsDoNotContain(t *testing.T, hook *test.Hook, want string) {
	t.Helper()
	assertLogs(t, hook, want, false)
}

func assertLogs(t *testing.T, hook *test.Hook, want string, flag bool) {
	match := false
	for _, e := range hook.AllEntries() {
		if strings.Contains(e.Message, want) {
			match = true
		}
	}
	if flag && !match {
		t.Fatalf("log not found: %s", want)
	} else if !flag && match {
		t.Fatalf("unwanted log found: %s", want)
	}
}
