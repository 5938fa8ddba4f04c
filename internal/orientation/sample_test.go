package orientation

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSample(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Sample
	}{
		{
			name: "full record",
			raw:  `{"status":"LOST_TRACKING","position":{"x":1,"y":2,"z":3},"orientation":{"w":1,"x":0,"y":0,"z":0}}`,
			want: Sample{Status: "LOST_TRACKING", Position: Vec3{1, 2, 3}, Orientation: Quaternion{W: 1}},
		},
		{
			name: "missing status defaults to tracking",
			raw:  `{"position":{"x":1,"y":2,"z":3},"orientation":{"w":1,"x":0,"y":0,"z":0}}`,
			want: Sample{Status: StatusTracking, Position: Vec3{1, 2, 3}, Orientation: Quaternion{W: 1}},
		},
		{
			name: "null status",
			raw:  `{"status":null,"position":{"x":0,"y":0,"z":0},"orientation":{"w":0,"x":1,"y":0,"z":0}}`,
			want: Sample{Status: StatusTracking, Orientation: Quaternion{X: 1}},
		},
		{
			name: "object status",
			raw:  `{"status":{"code":1},"position":{"x":0,"y":0,"z":0},"orientation":{"w":1,"x":0,"y":0,"z":0}}`,
			want: Sample{Status: StatusTracking, Orientation: Quaternion{W: 1}},
		},
		{
			name: "numeric status",
			raw:  `{"status":3,"position":{"x":0,"y":0,"z":0},"orientation":{"w":1,"x":0,"y":0,"z":0}}`,
			want: Sample{Status: StatusTracking, Orientation: Quaternion{W: 1}},
		},
		{
			name: "extra fields",
			raw:  `{"status":"TRACKING","time":12.5,"velocity":{"x":1},"position":{"x":0.5,"y":0,"z":0},"orientation":{"w":1,"x":0,"y":0,"z":0}}`,
			want: Sample{Status: StatusTracking, Position: Vec3{X: 0.5}, Orientation: Quaternion{W: 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeSample([]byte(tt.raw))
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("DecodeSample mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeSampleErrors(t *testing.T) {
	tests := map[string]string{
		"malformed":           `{"position":`,
		"missing position":    `{"orientation":{"w":1,"x":0,"y":0,"z":0}}`,
		"missing orientation": `{"position":{"x":1,"y":2,"z":3}}`,
		"zero quaternion":     `{"position":{"x":1,"y":2,"z":3},"orientation":{"w":0,"x":0,"y":0,"z":0}}`,
		"not an object":       `[1,2,3]`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeSample([]byte(raw))
			var derr *DecodeError
			require.True(t, errors.As(err, &derr), "got %v", err)
			assert.NotEmpty(t, derr.Error())
		})
	}
}

func TestSampleTracking(t *testing.T) {
	assert.True(t, Sample{Status: "TRACKING"}.Tracking())
	assert.False(t, Sample{Status: "tracking"}.Tracking())
}
