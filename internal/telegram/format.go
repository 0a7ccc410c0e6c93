package telegram

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"keyconnect/internal/license"
)

const maxListedKeys = 50

var errUsage = fmt.Errorf("%w: wrong format", license.ErrInvalidInput)

func parseSlug(text string) (string, error) {
	parts := strings.Fields(text)
	if len(parts) != 1 {
		return "", errUsage
	}
	return parts[0], nil
}

// parseNewSeller parses "<slug> <username> <password>".
func parseNewSeller(text string) (license.SellerInput, error) {
	parts := strings.Fields(text)
	if len(parts) != 3 {
		return license.SellerInput{}, errUsage
	}
	return license.SellerInput{Slug: parts[0], Username: parts[1], Password: parts[2]}, nil
}

// parseNewKey parses "<slug> <days> [max_devices] [custom_key]".
func parseNewKey(text string) (string, license.IssueInput, error) {
	parts := strings.Fields(text)
	if len(parts) < 2 || len(parts) > 4 {
		return "", license.IssueInput{}, errUsage
	}
	days, err := positiveInt(parts[1], "days")
	if err != nil {
		return "", license.IssueInput{}, err
	}
	in := license.IssueInput{Days: days, MaxDevices: license.DefaultMaxDevices}
	if len(parts) >= 3 {
		if in.MaxDevices, err = positiveInt(parts[2], "max_devices"); err != nil {
			return "", license.IssueInput{}, err
		}
	}
	if len(parts) == 4 {
		in.Key = parts[3]
	}
	return parts[0], in, nil
}

// parseKeyRef parses "<slug> <key>".
func parseKeyRef(text string) (slug, key string, err error) {
	parts := strings.Fields(text)
	if len(parts) != 2 {
		return "", "", errUsage
	}
	return parts[0], parts[1], nil
}

// parseKeyInt parses "<slug> <key> <n>".
func parseKeyInt(text string) (slug, key string, n int, err error) {
	parts := strings.Fields(text)
	if len(parts) != 3 {
		return "", "", 0, errUsage
	}
	n, err = positiveInt(parts[2], "number")
	if err != nil {
		return "", "", 0, err
	}
	return parts[0], parts[1], n, nil
}

func positiveInt(s, name string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %s must be a positive number", license.ErrInvalidInput, name)
	}
	return n, nil
}

func sellerLine(s license.Seller) string {
	flags := []string{}
	if s.Suspended {
		flags = append(flags, "suspended")
	}
	if s.MaintenanceMode {
		flags = append(flags, "maintenance")
	}
	line := fmt.Sprintf("%s (%s)", s.Slug, s.Username)
	if len(flags) > 0 {
		line += " [" + strings.Join(flags, ", ") + "]"
	}
	return line
}

func formatSeller(s license.Seller) string {
	return fmt.Sprintf("Seller: %s\nUsername: %s\nSuspended: %t\nMaintenance: %t",
		s.Slug, s.Username, s.Suspended, s.MaintenanceMode)
}

func formatKeyInfo(info license.KeyInfo) string {
	sub := info.Subscription
	status := "active"
	if info.Expired {
		status = "expired"
	}
	if sub.MaintenancePausedAt != nil {
		status = "paused since " + sub.MaintenancePausedAt.Format(time.RFC3339)
	}
	devices := "-"
	if sub.BoundDevices.Len() > 0 {
		devices = strings.Join(sub.BoundDevices.Slice(), "\n  ")
	}
	lines := []string{
		"Key: " + sub.Key,
		"Status: " + status,
		"Expires: " + info.EffectiveExpiry.Format(time.RFC3339),
		fmt.Sprintf("Devices: %d/%d", sub.BoundDevices.Len(), sub.MaxDevices),
		"  " + devices,
	}
	if sub.Note != "" {
		lines = append(lines, "Note: "+sub.Note)
	}
	return strings.Join(lines, "\n")
}

func formatKeyList(slug string, infos []license.KeyInfo, limit int) string {
	if len(infos) == 0 {
		return "No keys for " + slug
	}
	lines := []string{fmt.Sprintf("Keys of %s (%d):", slug, len(infos))}
	for i, info := range infos {
		if i == limit {
			lines = append(lines, fmt.Sprintf("... and %d more", len(infos)-limit))
			break
		}
		mark := "✅"
		if info.Expired {
			mark = "❌"
		} else if info.Subscription.MaintenancePausedAt != nil {
			mark = "⏸"
		}
		sub := info.Subscription
		lines = append(lines, fmt.Sprintf("%s %s %d/%d until %s",
			mark, sub.Key, sub.BoundDevices.Len(), sub.MaxDevices, info.EffectiveExpiry.Format("2006-01-02")))
	}
	return strings.Join(lines, "\n")
}
