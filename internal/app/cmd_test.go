package app

import (
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want Command
	}{
		{"empty defaults to worker", []string{}, CommandWorker},
		{"worker", []string{"worker"}, CommandWorker},
		{"ingest", []string{"ingest"}, CommandIngest},
		{"migrate", []string{"migrate"}, CommandMigrate},
		{"healthcheck", []string{"healthcheck"}, CommandHealthcheck},
		{"unknown defaults to worker", []string{"serve"}, CommandWorker},
		{"extra args ignored", []string{"ingest", "--flag", "value"}, CommandIngest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseCommand(tt.args); got != tt.want {
				t.Errorf("ParseCommand(%v) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}
