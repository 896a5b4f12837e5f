package output

import (
	"fmt"
	"os"
	"strings"

	"github.com/tanq16/chunkwise/internal/utils"
	"golang.org/x/term"
)

// ProgressBar renders a fixed width bar. An unknown total shows an empty
// bar without a percentage.
func ProgressBar(current, total int64, width int) string {
	if width <= 0 {
		width = 30
	}
	current = max(current, 0)
	if total <= 0 {
		bar := StyleSymbols["bullet"] + strings.Repeat(" ", width) + StyleSymbols["bullet"]
		return fmt.Sprintf("%s ?%% %s ", bar, StyleSymbols["bullet"])
	}
	current = min(current, total)
	percent := float64(current) / float64(total)
	filled := max(0, min(int(percent*float64(width)), width))
	bar := StyleSymbols["bullet"] + strings.Repeat(StyleSymbols["hline"], filled) + strings.Repeat(" ", width-filled) + StyleSymbols["bullet"]
	return fmt.Sprintf("%s %.1f%% %s ", bar, percent*100, StyleSymbols["bullet"])
}

// progressText is the plain text after the bar: bytes, speed and chunks.
func progressText(p progressState) string {
	total := "?"
	if p.total >= 0 {
		total = utils.FormatBytes(uint64(p.total))
	}
	text := fmt.Sprintf("%s / %s %s %s", utils.FormatBytes(uint64(max(p.received, 0))), total, StyleSymbols["bullet"], utils.FormatSpeed(p.speed))
	if p.chunks > 0 {
		text += fmt.Sprintf(" %s %d active", StyleSymbols["bullet"], p.chunks)
	}
	return text
}

func barWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 30
	}
	// leave room for the indent and the text after the bar
	return min(max(width-70, 10), 40)
}
