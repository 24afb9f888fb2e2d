package cryptoutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSON(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"sorted keys", `{"b":1,"a":2}`, `{"a":2,"b":1}`},
		{"nested", `{ "z": {"y": [3, 2, {"b": true, "a": null}]}, "a": "x" }`, `{"a":"x","z":{"y":[3,2,{"a":null,"b":true}]}}`},
		{"numbers preserved", `{"big":12345678901234567890,"f":1.50}`, `{"big":12345678901234567890,"f":1.50}`},
		{"html not escaped", `{"s":"<a&b>"}`, `{"s":"<a&b>"}`},
		{"unicode", `{"s":"héllo"}`, `{"s":"héllo"}`},
		{"scalar", ` "x" `, `"x"`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := CanonicalJSON([]byte(tc.input))
			require.NoError(t, err)
			assert.Equal(t, tc.expected, string(out))

			again, err := CanonicalJSON(out)
			require.NoError(t, err)
			assert.Equal(t, out, again)
		})
	}
}

func TestCanonicalJSON_Invalid(t *testing.T) {
	_, err := CanonicalJSON([]byte(`{"a":`))
	assert.Error(t, err)

	_, err = CanonicalJSON([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)

	_, err = CanonicalJSON(nil)
	assert.Error(t, err)
}

func TestMarshalCanonical(t *testing.T) {
	out, err := MarshalCanonical(map[string]any{"z": 1, "a": []string{"q"}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":["q"],"z":1}`, string(out))
}
