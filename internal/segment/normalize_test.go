package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "plain", in: "Hello there.", want: "Hello there."},
		{name: "asterisks", in: "**Bold** move", want: "Bold move"},
		{name: "pounds", in: "It costs £1,200 today.", want: "It costs 1,200 pounds today."},
		{name: "pound sign alone", in: "£ sign", want: "£ sign"},
		{name: "msc", in: "An MSCI in physics", want: "An MSc in physics"},
		{name: "msc lower", in: "msci", want: "MSc"},
		{name: "mc squared", in: "E=mc²", want: "E= m c squared"},
		{name: "mc upper", in: "E=MC", want: "E= m c"},
		{name: "lone squared", in: "5m²", want: "5msquared"},
		{name: "combined", in: "*E=mc²* costs £3", want: "E= m c squared costs 3 pounds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalizeIsStableOnOutput(t *testing.T) {
	in := "£5 for an msci, E=mc²"
	once := Normalize(in)
	assert.Equal(t, once, Normalize(once))
}
