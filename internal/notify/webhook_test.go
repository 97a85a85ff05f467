package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kaspa-pool/kaspool/internal/config"
	"github.com/kaspa-pool/kaspool/internal/storage"
)

func TestNewNotifier(t *testing.T) {
	cfg := &config.NotifyConfig{
		Enabled:      true,
		DiscordURL:   "https://discord.com/api/webhooks/test",
		TelegramBot:  "bot_token",
		TelegramChat: "chat_id",
		PoolName:     "Test Pool",
		PoolURL:      "https://pool.example.com",
	}

	n := NewNotifier(cfg)
	if n == nil {
		t.Fatal("NewNotifier returned nil")
	}
	if n.cfg != cfg {
		t.Error("Notifier.cfg not set correctly")
	}
	if n.client == nil {
		t.Error("Notifier.client should not be nil")
	}
	if n.client.Timeout != 10*time.Second {
		t.Errorf("Client timeout = %v, want 10s", n.client.Timeout)
	}
}

func TestConfigStruct(t *testing.T) {
	cfg := config.NotifyConfig{
		DiscordURL:   "https://discord.com/api/webhooks/123/abc",
		TelegramBot:  "123456:ABC",
		TelegramChat: "-100123456",
		Enabled:      true,
		PoolName:     "Kaspool",
		PoolURL:      "https://pool.kaspa.example",
	}

	if cfg.DiscordURL != "https://discord.com/api/webhooks/123/abc" {
		t.Errorf("DiscordURL = %s, want https://discord.com/api/webhooks/123/abc", cfg.DiscordURL)
	}
	if cfg.TelegramBot != "123456:ABC" {
		t.Errorf("TelegramBot = %s, want 123456:ABC", cfg.TelegramBot)
	}
	if !cfg.Enabled {
		t.Error("Enabled should be true")
	}
}

func TestDiscordEmbedStruct(t *testing.T) {
	embed := DiscordEmbed{
		Title:       "Block Found!",
		Description: "Kaspool found a new block!",
		URL:         "https://pool.example.com",
		Color:       0x00FF00,
		Fields: []DiscordField{
			{Name: "DAA Score", Value: "12345", Inline: true},
			{Name: "Miner Reward", Value: "5.00000000 KAS", Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer:    &DiscordFooter{Text: "Kaspool"},
	}

	if embed.Title != "Block Found!" {
		t.Errorf("Embed.Title = %s, want Block Found!", embed.Title)
	}
	if embed.Color != 0x00FF00 {
		t.Errorf("Embed.Color = %d, want %d", embed.Color, 0x00FF00)
	}
	if len(embed.Fields) != 2 {
		t.Errorf("Embed.Fields len = %d, want 2", len(embed.Fields))
	}
	if embed.Footer.Text != "Kaspool" {
		t.Errorf("Embed.Footer.Text = %s, want Kaspool", embed.Footer.Text)
	}
}

func TestDiscordMessageStruct(t *testing.T) {
	msg := DiscordMessage{
		Content: "Test content",
		Embeds: []DiscordEmbed{
			{Title: "Test", Description: "Test embed"},
		},
	}

	if msg.Content != "Test content" {
		t.Errorf("Message.Content = %s, want Test content", msg.Content)
	}
	if len(msg.Embeds) != 1 {
		t.Errorf("Message.Embeds len = %d, want 1", len(msg.Embeds))
	}
}

func TestTelegramMessageStruct(t *testing.T) {
	msg := TelegramMessage{
		ChatID:    "-100123456",
		Text:      "*Block Found!*\nDAA Score: 12345",
		ParseMode: "Markdown",
	}

	if msg.ChatID != "-100123456" {
		t.Errorf("Message.ChatID = %s, want -100123456", msg.ChatID)
	}
	if msg.ParseMode != "Markdown" {
		t.Errorf("Message.ParseMode = %s, want Markdown", msg.ParseMode)
	}
}

func TestTruncateAddress(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"short", "short"},
		{"exactly16chars!!", "exactly16chars!!"},
		{"kaspa:abcdefghijklmnopqrstuvwxyz", "kaspa:ab...uvwxyz"},
		{"0x1234567890abcdef1234567890abcdef12345678", "0x123456...345678"},
	}

	for _, tt := range tests {
		result := truncateAddress(tt.input)
		if result != tt.expected {
			t.Errorf("truncateAddress(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestTruncateHash(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"shorthash", "shorthash"},
		{"exactly20characters!", "exactly20characters!"},
		{"0x1234567890abcdef1234567890abcdef12345678901234567890", "0x12345678...34567890"},
		{"abcdefghijklmnopqrstuvwxyz1234567890", "abcdefghij...34567890"},
	}

	for _, tt := range tests {
		result := truncateHash(tt.input)
		if result != tt.expected {
			t.Errorf("truncateHash(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestNotifyBlockFoundDisabled(t *testing.T) {
	n := NewNotifier(&config.NotifyConfig{Enabled: false})

	block := &storage.BlockDetails{
		MinedBlockHash: "0xabcdef",
		Address:        "kaspa:finder",
		MinerReward:    5000000000,
		DAAScore:       12345,
	}

	n.NotifyBlockFound(block, 100000)
}

func TestNotifyRewardsAllocatedDisabled(t *testing.T) {
	n := NewNotifier(&config.NotifyConfig{Enabled: false})
	n.NotifyRewardsAllocated(12345, 1000000000, 10)
}

func TestNotifyLargeAllocationDisabled(t *testing.T) {
	n := NewNotifier(&config.NotifyConfig{Enabled: false})
	n.NotifyLargeAllocation("kaspa:address", 100000000000, 50000000000)
}

func TestNotifyLargeAllocationBelowThreshold(t *testing.T) {
	var called int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&called, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewNotifier(&config.NotifyConfig{Enabled: true, DiscordURL: server.URL})

	n.NotifyLargeAllocation("kaspa:address", 50000000000, 100000000000)
	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&called) != 0 {
		t.Error("Should not send notification when amount is below threshold")
	}
}

func TestDiscordBlockFoundIntegration(t *testing.T) {
	var received DiscordMessage
	var callCount int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&callCount, 1)
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewNotifier(&config.NotifyConfig{
		Enabled:    true,
		DiscordURL: server.URL,
		PoolName:   "Test Pool",
		PoolURL:    "https://pool.example.com",
	})

	block := &storage.BlockDetails{
		MinedBlockHash: "0x1234567890abcdef1234567890abcdef12345678901234567890abcdef123456",
		Address:        "kaspa:abcdefghijklmnopqrstuvwxyz123456",
		MinerReward:    5000000000,
		DAAScore:       12345,
		AllocationPath: storage.PathDAAWindow,
	}

	n.NotifyBlockFound(block, 100000)
	time.Sleep(200 * time.Millisecond)

	if atomic.LoadInt32(&callCount) != 1 {
		t.Errorf("Expected 1 call, got %d", atomic.LoadInt32(&callCount))
	}
	if len(received.Embeds) == 0 {
		t.Fatal("No embeds received")
	}
	if received.Embeds[0].Title != "Block Found!" {
		t.Errorf("Embed title = %s, want Block Found!", received.Embeds[0].Title)
	}
	if received.Embeds[0].Color != 0x00FF00 {
		t.Errorf("Embed color = %d, want green (0x00FF00)", received.Embeds[0].Color)
	}
}

func TestDiscordRewardsAllocatedNotification(t *testing.T) {
	var received DiscordMessage

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewNotifier(&config.NotifyConfig{Enabled: true, DiscordURL: server.URL, PoolName: "Test Pool"})

	n.NotifyRewardsAllocated(12345, 10000000000, 25)
	time.Sleep(200 * time.Millisecond)

	if len(received.Embeds) == 0 {
		t.Fatal("No embeds received")
	}
	if received.Embeds[0].Title != "Rewards Allocated" {
		t.Errorf("Embed title = %s, want Rewards Allocated", received.Embeds[0].Title)
	}
	if received.Embeds[0].Color != 0x0099FF {
		t.Errorf("Embed color = %d, want blue (0x0099FF)", received.Embeds[0].Color)
	}
}

func TestDiscordLargeAllocationNotification(t *testing.T) {
	var received DiscordMessage

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewNotifier(&config.NotifyConfig{Enabled: true, DiscordURL: server.URL, PoolName: "Test Pool"})

	n.NotifyLargeAllocation("kaspa:largeaddress", 100000000000, 50000000000)
	time.Sleep(200 * time.Millisecond)

	if len(received.Embeds) == 0 {
		t.Fatal("No embeds received")
	}
	if received.Embeds[0].Title != "Large Allocation Alert" {
		t.Errorf("Embed title = %s, want Large Allocation Alert", received.Embeds[0].Title)
	}
	if received.Embeds[0].Color != 0xFFA500 {
		t.Errorf("Embed color = %d, want orange (0xFFA500)", received.Embeds[0].Color)
	}
}

func TestDiscordRetryOnFailure(t *testing.T) {
	var callCount int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := atomic.AddInt32(&callCount, 1)
		if count < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewNotifier(&config.NotifyConfig{Enabled: true, DiscordURL: server.URL, PoolName: "Test Pool"})

	block := &storage.BlockDetails{MinedBlockHash: "0xhash", Address: "kaspa:finder", MinerReward: 5000000000}
	n.NotifyBlockFound(block, 100000)

	time.Sleep(5 * time.Second)

	if atomic.LoadInt32(&callCount) < 2 {
		t.Errorf("Expected at least 2 calls (with retry), got %d", atomic.LoadInt32(&callCount))
	}
}

func TestDiscordRateLimitHandling(t *testing.T) {
	var callCount int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := atomic.AddInt32(&callCount, 1)
		if count == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewNotifier(&config.NotifyConfig{Enabled: true, DiscordURL: server.URL, PoolName: "Test Pool"})

	block := &storage.BlockDetails{MinedBlockHash: "0xhash", Address: "kaspa:finder", MinerReward: 5000000000}
	n.NotifyBlockFound(block, 100000)

	time.Sleep(10 * time.Second)

	if atomic.LoadInt32(&callCount) < 1 {
		t.Errorf("Expected at least 1 call, got %d calls", atomic.LoadInt32(&callCount))
	}
}

func TestConstants(t *testing.T) {
	if MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", MaxRetries)
	}
	if RetryBaseDelay != 2*time.Second {
		t.Errorf("RetryBaseDelay = %v, want 2s", RetryBaseDelay)
	}
}

func TestNotifyBlockFoundWithZeroNetworkDiff(t *testing.T) {
	var received DiscordMessage

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewNotifier(&config.NotifyConfig{Enabled: true, DiscordURL: server.URL, PoolName: "Test Pool"})

	block := &storage.BlockDetails{MinedBlockHash: "0xhash", Address: "kaspa:finder", MinerReward: 5000000000, DAAScore: 12345}

	n.NotifyBlockFound(block, 0)
	time.Sleep(200 * time.Millisecond)

	if len(received.Embeds) == 0 {
		t.Error("Should still send notification with zero network diff")
	}
}
