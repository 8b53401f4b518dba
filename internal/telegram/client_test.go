package telegram

import (
	"math/big"
	"testing"
	"time"
)

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello World"},
		{"Hello_World", "Hello\\_World"},
		{"Test*bold*", "Test\\*bold\\*"},
		{"Price: $100.50", "Price: $100\\.50"},
		{"[link](url)", "\\[link\\]\\(url\\)"},
		{"~strikethrough~", "\\~strikethrough\\~"},
		{"`code`", "\\`code\\`"},
		{">blockquote", "\\>blockquote"},
		{"#header", "\\#header"},
		{"+plus-minus", "\\+plus\\-minus"},
		{"=equal|pipe", "\\=equal\\|pipe"},
		{"{brace}", "\\{brace\\}"},
		{"end!", "end\\!"},
		{"", ""},
		{"_*[]()~`>#+-=|{}.!", "\\_\\*\\[\\]\\(\\)\\~\\`\\>\\#\\+\\-\\=\\|\\{\\}\\.\\!"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := escapeMarkdownV2(tt.input)
			if result != tt.expected {
				t.Errorf("escapeMarkdownV2(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestFormatAnswer(t *testing.T) {
	tests := []struct {
		name     string
		decimals uint8
		value    *big.Int
		expected string
	}{
		{"six decimals", 6, big.NewInt(1_234_567), "1.234567"},
		{"exact one", 6, big.NewInt(1_000_000), "1.000000"},
		{"sub-unit", 6, big.NewInt(42), "0.000042"},
		{"zero", 6, big.NewInt(0), "0.000000"},
		{"no decimals", 0, big.NewInt(1234), "1234"},
		{"negative", 2, big.NewInt(-150), "-1.50"},
		{"eighteen decimals", 18, mustBig("1500000000000000000"), "1.500000000000000000"},
		{"nil", 6, nil, "none"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{decimals: tt.decimals}
			if got := c.formatAnswer(tt.value); got != tt.expected {
				t.Errorf("formatAnswer(%v) = %q, want %q", tt.value, got, tt.expected)
			}
		})
	}
}

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad test constant: " + s)
	}
	return v
}

func TestNewClient_InvalidChatID(t *testing.T) {
	// NewClient with non-numeric chatID should return an error
	// Note: This test exercises the chat ID parsing error path
	// The bot token validation happens first (network call), so we use a clearly
	// invalid format to test the error handling flow
	_, err := NewClient("", "not-a-number", 6, 3, time.Second)
	if err == nil {
		t.Error("Expected error for invalid chat ID, got nil")
	}
}
