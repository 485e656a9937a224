package notify

import (
	"fmt"

	"netgauge/internal/engine"
)

// FormatResult renders a result as a plain-text Telegram message.
func FormatResult(res *engine.Result) string {
	return fmt.Sprintf(
		"🚀 Network Measurement\n"+
			"━━━━━━━━━━━━━━━━━━━━\n"+
			"⬇️  Download: %.2f Mbps\n"+
			"⬆️  Upload: %.2f Mbps\n"+
			"📡 Ping: %.2f ms\n"+
			"📊 Jitter: %.2f ms\n"+
			"📦 Packet Loss: %.2f%%\n"+
			"⏱️  Duration: %.1fs\n"+
			"🕐 Time: %s",
		res.DownloadMbps,
		res.UploadMbps,
		res.PingMs,
		res.JitterMs,
		res.PacketLossPercent,
		res.Duration.Seconds(),
		res.Timestamp.Format("2006-01-02 15:04:05"),
	)
}
