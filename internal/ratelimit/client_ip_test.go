package ratelimit

import (
	"net/http/httptest"
	"testing"
)

func TestClientIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{name: "single forwarded address", headers: map[string]string{"X-Forwarded-For": "203.0.113.7"}, want: "203.0.113.7"},
		{name: "forwarded chain uses first hop", headers: map[string]string{"X-Forwarded-For": " 203.0.113.7 , 10.0.0.1, 10.0.0.2"}, want: "203.0.113.7"},
		{name: "real ip fallback", headers: map[string]string{"X-Real-IP": "198.51.100.2"}, want: "198.51.100.2"},
		{name: "empty forwarded falls through", headers: map[string]string{"X-Forwarded-For": " ,10.0.0.1"}, want: LoopbackIdentifier},
		{name: "no proxy headers", headers: nil, want: LoopbackIdentifier},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/api/config", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := ClientIdentifier(r); got != tt.want {
				t.Errorf("ClientIdentifier() = %q, want %q", got, tt.want)
			}
		})
	}
}
