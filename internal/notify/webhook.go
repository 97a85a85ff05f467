// Package notify pushes Discord and Telegram alerts for pool-operator
// visible events: blocks mined, reward batches allocated, and unusually
// large single-address allocations.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kaspa-pool/kaspool/internal/config"
	"github.com/kaspa-pool/kaspool/internal/storage"
	"github.com/kaspa-pool/kaspool/internal/util"
)

const (
	MaxRetries     = 3
	RetryBaseDelay = 2 * time.Second
)

// Notifier sends alerts to every configured channel.
type Notifier struct {
	cfg    *config.NotifyConfig
	client *http.Client
}

// NewNotifier creates a new notifier.
func NewNotifier(cfg *config.NotifyConfig) *Notifier {
	return &Notifier{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NotifyBlockFound sends a block-found alert. networkDifficulty is the
// node's reported difficulty at submit time, shown in the alert as the
// network difficulty.
func (n *Notifier) NotifyBlockFound(block *storage.BlockDetails, networkDifficulty float64) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		go n.sendDiscordMessageWithRetry(n.cfg.DiscordURL, blockFoundDiscordMessage(n.cfg, block, networkDifficulty))
	}
	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramMessageWithRetry(blockFoundTelegramText(block, networkDifficulty))
	}
}

// NotifyRewardsAllocated sends an alert when the allocator finishes
// crediting a matured coinbase across its reward window.
func (n *Notifier) NotifyRewardsAllocated(daaScore uint64, totalAllocated uint64, minerCount int) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		go n.sendDiscordMessageWithRetry(n.cfg.DiscordURL, rewardsAllocatedDiscordMessage(n.cfg, daaScore, totalAllocated, minerCount))
	}
	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramMessageWithRetry(rewardsAllocatedTelegramText(daaScore, totalAllocated, minerCount))
	}
}

// NotifyLargeAllocation warns about a single address crediting more than
// threshold in one block's reward distribution.
func (n *Notifier) NotifyLargeAllocation(address string, amount, threshold uint64) {
	if !n.cfg.Enabled || amount < threshold {
		return
	}

	if n.cfg.DiscordURL != "" {
		go n.sendDiscordMessageWithRetry(n.cfg.DiscordURL, largeAllocationDiscordMessage(n.cfg, address, amount))
	}
	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramMessageWithRetry(largeAllocationTelegramText(address, amount))
	}
}

// DiscordEmbed represents a Discord embed object.
type DiscordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *DiscordFooter `json:"footer,omitempty"`
}

// DiscordField represents a field in a Discord embed.
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DiscordFooter represents the footer of a Discord embed.
type DiscordFooter struct {
	Text string `json:"text"`
}

// DiscordMessage represents a Discord webhook message.
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

func blockFoundDiscordMessage(cfg *config.NotifyConfig, block *storage.BlockDetails, networkDifficulty float64) DiscordMessage {
	rewardKAS := float64(block.MinerReward) / 1e8
	feeKAS := float64(block.PoolFee) / 1e8

	embed := DiscordEmbed{
		Title:       "Block Found!",
		Description: fmt.Sprintf("**%s** found a new block!", cfg.PoolName),
		Color:       0x00FF00,
		Fields: []DiscordField{
			{Name: "DAA Score", Value: fmt.Sprintf("%d", block.DAAScore), Inline: true},
			{Name: "Miner Reward", Value: fmt.Sprintf("%.8f KAS", rewardKAS), Inline: true},
			{Name: "Pool Fee", Value: fmt.Sprintf("%.8f KAS", feeKAS), Inline: true},
			{Name: "Allocation Path", Value: string(block.AllocationPath), Inline: true},
			{Name: "Address", Value: truncateAddress(block.Address), Inline: true},
			{Name: "Network Difficulty", Value: fmt.Sprintf("%.0f", networkDifficulty), Inline: true},
			{Name: "Block Hash", Value: truncateHash(block.MinedBlockHash), Inline: false},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer:    &DiscordFooter{Text: cfg.PoolName},
	}
	if cfg.PoolURL != "" {
		embed.URL = cfg.PoolURL
	}
	return DiscordMessage{Embeds: []DiscordEmbed{embed}}
}

func blockFoundTelegramText(block *storage.BlockDetails, networkDifficulty float64) string {
	rewardKAS := float64(block.MinerReward) / 1e8
	return fmt.Sprintf(
		"*Block Found!*\n\n"+
			"DAA Score: `%d`\n"+
			"Miner Reward: `%.8f KAS`\n"+
			"Allocation Path: `%s`\n"+
			"Address: `%s`\n"+
			"Network Difficulty: `%.0f`\n"+
			"Block Hash: `%s`",
		block.DAAScore, rewardKAS, string(block.AllocationPath),
		truncateAddress(block.Address), networkDifficulty, truncateHash(block.MinedBlockHash),
	)
}

func rewardsAllocatedDiscordMessage(cfg *config.NotifyConfig, daaScore, totalAllocated uint64, minerCount int) DiscordMessage {
	totalKAS := float64(totalAllocated) / 1e8
	embed := DiscordEmbed{
		Title:       "Rewards Allocated",
		Description: fmt.Sprintf("**%s** credited a matured coinbase", cfg.PoolName),
		Color:       0x0099FF,
		Fields: []DiscordField{
			{Name: "DAA Score", Value: fmt.Sprintf("%d", daaScore), Inline: true},
			{Name: "Total Allocated", Value: fmt.Sprintf("%.8f KAS", totalKAS), Inline: true},
			{Name: "Miners", Value: fmt.Sprintf("%d", minerCount), Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer:    &DiscordFooter{Text: cfg.PoolName},
	}
	return DiscordMessage{Embeds: []DiscordEmbed{embed}}
}

func rewardsAllocatedTelegramText(daaScore, totalAllocated uint64, minerCount int) string {
	totalKAS := float64(totalAllocated) / 1e8
	return fmt.Sprintf(
		"*Rewards Allocated*\n\n"+
			"DAA Score: `%d`\n"+
			"Total Allocated: `%.8f KAS`\n"+
			"Miners: `%d`",
		daaScore, totalKAS, minerCount,
	)
}

func largeAllocationDiscordMessage(cfg *config.NotifyConfig, address string, amount uint64) DiscordMessage {
	amountKAS := float64(amount) / 1e8
	embed := DiscordEmbed{
		Title:       "Large Allocation Alert",
		Description: fmt.Sprintf("**%s** credited an unusually large reward", cfg.PoolName),
		Color:       0xFFA500,
		Fields: []DiscordField{
			{Name: "Amount", Value: fmt.Sprintf("%.8f KAS", amountKAS), Inline: true},
			{Name: "Address", Value: truncateAddress(address), Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer:    &DiscordFooter{Text: cfg.PoolName},
	}
	return DiscordMessage{Embeds: []DiscordEmbed{embed}}
}

func largeAllocationTelegramText(address string, amount uint64) string {
	amountKAS := float64(amount) / 1e8
	return fmt.Sprintf(
		"*Large Allocation Alert*\n\n"+
			"Amount: `%.8f KAS`\n"+
			"Address: `%s`",
		amountKAS, truncateAddress(address),
	)
}

func (n *Notifier) sendDiscordMessageWithRetry(url string, msg DiscordMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("notify: failed to marshal discord message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(RetryBaseDelay * time.Duration(1<<uint(attempt-1)))
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 400 {
			return
		}
		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("notify: discord delivery failed after %d attempts: %v", MaxRetries, lastErr)
	}
}

// TelegramMessage represents a Telegram bot message.
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (n *Notifier) sendTelegramMessageWithRetry(text string) {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.cfg.TelegramBot)

	msg := TelegramMessage{
		ChatID:    n.cfg.TelegramChat,
		Text:      text,
		ParseMode: "Markdown",
	}

	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("notify: failed to marshal telegram message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(RetryBaseDelay * time.Duration(1<<uint(attempt-1)))
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 400 {
			return
		}
		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("notify: telegram delivery failed after %d attempts: %v", MaxRetries, lastErr)
	}
}

func truncateAddress(addr string) string {
	if len(addr) <= 16 {
		return addr
	}
	return addr[:8] + "..." + addr[len(addr)-6:]
}

func truncateHash(hash string) string {
	if len(hash) <= 20 {
		return hash
	}
	return hash[:10] + "..." + hash[len(hash)-8:]
}
