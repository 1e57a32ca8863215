package jq

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestExecutor_Execute(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		data       any
		want       any
		wantErr    bool
	}{
		{
			name:       "empty expression returns data as-is",
			expression: "",
			data:       map[string]any{"pid": "P1001"},
			want:       map[string]any{"pid": "P1001"},
			wantErr:    false,
		},
		{
			name:       "simple field extraction",
			expression: ".pid",
			data:       map[string]any{"pid": "P1001"},
			want:       "P1001",
			wantErr:    false,
		},
		{
			name:       "nested field extraction",
			expression: ".data.pid",
			data:       map[string]any{"data": map[string]any{"pid": float64(42)}},
			want:       float64(42),
			wantErr:    false,
		},
		{
			name:       "missing field yields nil",
			expression: ".nope",
			data:       map[string]any{"pid": "P1001"},
			want:       nil,
			wantErr:    false,
		},
		{
			name:       "invalid expression",
			expression: ".[",
			data:       map[string]any{"pid": "P1001"},
			want:       nil,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			executor := NewExecutor(DefaultTimeout, DefaultMaxInputSize)
			got, err := executor.Execute(context.Background(), tt.expression, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Execute() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			switch want := tt.want.(type) {
			case nil:
				if got != nil {
					t.Errorf("Execute() got %v, want nil", got)
				}
			case map[string]any:
				gotMap, ok := got.(map[string]any)
				if !ok {
					t.Fatalf("Execute() got %T, want map", got)
				}
				for k, v := range want {
					if gotMap[k] != v {
						t.Errorf("Execute() key %s = %v, want %v", k, gotMap[k], v)
					}
				}
			default:
				if got != tt.want {
					t.Errorf("Execute() got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestFirstString(t *testing.T) {
	e := NewExecutor(0, 0)
	ctx := context.Background()

	tests := []struct {
		name  string
		raw   string
		exprs []string
		want  string
		ok    bool
	}{
		{
			name:  "first expression hits",
			raw:   `{"pid": "P1001"}`,
			exprs: []string{".pid", ".id"},
			want:  "P1001",
			ok:    true,
		},
		{
			name:  "falls through to later expression",
			raw:   `{"data": {"pid": 42}}`,
			exprs: []string{".pid", ".id", ".data.pid"},
			want:  "42",
			ok:    true,
		},
		{
			name:  "numeric id has no decimal point",
			raw:   `{"id": 1234}`,
			exprs: []string{".id"},
			want:  "1234",
			ok:    true,
		},
		{
			name:  "null results are misses",
			raw:   `{"pid": null}`,
			exprs: []string{".pid"},
			want:  "",
			ok:    false,
		},
		{
			name:  "non-JSON body is a miss, not an error",
			raw:   `<html>ok</html>`,
			exprs: []string{".pid"},
			want:  "",
			ok:    false,
		},
		{
			name:  "empty body is a miss",
			raw:   ``,
			exprs: []string{".pid"},
			want:  "",
			ok:    false,
		},
		{
			name:  "object results are skipped",
			raw:   `{"data": {"pid": "X"}}`,
			exprs: []string{".data", ".data.pid"},
			want:  "X",
			ok:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := e.FirstString(ctx, json.RawMessage(tt.raw), tt.exprs...)
			if ok != tt.ok || got != tt.want {
				t.Errorf("FirstString() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	e := NewExecutor(time.Second, 0)
	if err := e.Validate(".pid // .id"); err != nil {
		t.Errorf("expected valid expression, got %v", err)
	}
	if err := e.Validate(".["); err == nil {
		t.Error("expected syntax error")
	}
	if err := e.Validate(""); err != nil {
		t.Errorf("empty expression should validate, got %v", err)
	}
}
