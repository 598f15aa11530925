package handlers

import (
	"testing"

	"taskpilot/internal/task"
)

func TestSystemdUnitValidate(t *testing.T) {
	t.Parallel()
	h := NewSystemdUnit()
	tests := []struct {
		name    string
		cfg     task.Config
		wantErr bool
	}{
		{name: "restart", cfg: task.Config{"unit": "nginx.service", "action": "restart"}},
		{name: "ensure active", cfg: task.Config{"unit": "nginx.service", "action": "ensure_active"}},
		{name: "missing unit", cfg: task.Config{"action": "start"}, wantErr: true},
		{name: "missing action", cfg: task.Config{"unit": "nginx.service"}, wantErr: true},
		{name: "unknown action", cfg: task.Config{"unit": "nginx.service", "action": "reload"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := h.Validate(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate(%v) error = %v, wantErr %v", tt.cfg, err, tt.wantErr)
			}
		})
	}
}
