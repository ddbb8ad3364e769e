package rfc9211

import "testing"

func TestCacheStatusString(t *testing.T) {
	tests := []struct {
		cs   func() CacheStatus
		want string
	}{
		{func() CacheStatus {
			cs := CacheStatus{Cache: "swcache"}
			cs.Hit()
			return cs
		}, "swcache; hit"},
		{func() CacheStatus {
			cs := CacheStatus{Cache: "swcache", FwdStatus: 200, Stored: true}
			cs.Forward(FwdReasonUriMiss)
			return cs
		}, "swcache; fwd=uri-miss; fwd-status=200; stored"},
		{func() CacheStatus {
			cs := CacheStatus{Cache: "swcache", Detail: "offline"}
			cs.Forward(FwdReasonUriMiss)
			return cs
		}, "swcache; fwd=uri-miss; detail=offline"},
	}
	for _, tt := range tests {
		if got := tt.cs().String(); got != tt.want {
			t.Fatalf("Cache-Status is %q, want %q", got, tt.want)
		}
	}
}
