package goerror

import (
	"errors"
	"net/http"
	"testing"
)

func TestError_StatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"server error maps to 500", NewServer(errors.New("boom")), http.StatusInternalServerError},
		{"invalid format maps to 400", NewInvalidFormat(), http.StatusBadRequest},
		{"invalid input maps to 422", NewInvalidInput(nil, "user_id", "required"), http.StatusUnprocessableEntity},
		{"not found maps to 404", NewBusiness("no record", CodeNotFound), http.StatusNotFound},
		{"conflict maps to 409", NewBusiness("key reuse", CodeConflict), http.StatusConflict},
		{"too many requests maps to 429", NewBusiness("slow down", CodeTooManyRequest), http.StatusTooManyRequests},
		{"unauthorized maps to 401", NewBusiness("wrong code", CodeUnauthorized), http.StatusUnauthorized},
		{"gone maps to 410", NewBusiness("expired", CodeGone), http.StatusGone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ge *Error
			if !errors.As(tt.err, &ge) {
				t.Fatalf("error %v is not a *Error", tt.err)
			}
			if got := ge.StatusCode(); got != tt.want {
				t.Fatalf("StatusCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNewBusinessData(t *testing.T) {
	t.Run("carries data pairs", func(t *testing.T) {
		err := NewBusinessData("rate limit exceeded", CodeTooManyRequest, "remaining_cooldown_seconds", int64(42))

		var ge *Error
		if !errors.As(err, &ge) {
			t.Fatalf("error %v is not a *Error", err)
		}
		if ge.Msg() != "rate limit exceeded" {
			t.Fatalf("Msg() = %q", ge.Msg())
		}
		if got := ge.Data()["remaining_cooldown_seconds"]; got != int64(42) {
			t.Fatalf("Data()[remaining_cooldown_seconds] = %v, want 42", got)
		}
	})

	t.Run("odd pairs drop data", func(t *testing.T) {
		err := NewBusinessData("oops", CodeGone, "dangling")

		var ge *Error
		if !errors.As(err, &ge) {
			t.Fatalf("error %v is not a *Error", err)
		}
		if ge.Data() != nil {
			t.Fatalf("Data() = %v, want nil", ge.Data())
		}
	})
}

func TestError_Unwrap(t *testing.T) {
	inner := errors.New("pg down")
	err := NewServer(inner)

	if !errors.Is(err, inner) {
		t.Fatal("expected errors.Is to see the wrapped cause")
	}
}
