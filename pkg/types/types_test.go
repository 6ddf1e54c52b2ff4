package types

import "testing"

func TestTradeUSDValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		price float64
		size  float64
		want  float64
	}{
		{0.5, 100, 50},
		{0.0, 1000, 0},
		{1.0, 42.5, 42.5},
	}

	for _, tt := range tests {
		tr := Trade{Price: tt.price, Size: tt.size}
		if got := tr.USDValue(); got != tt.want {
			t.Errorf("Trade{%v, %v}.USDValue() = %v, want %v", tt.price, tt.size, got, tt.want)
		}
	}
}
