package notify

import (
	"os/exec"
	"runtime"
	"strings"
)

// Desktop shows a system notification through osascript or notify-send.
// Other platforms are ignored.
type Desktop struct{}

// Send implements Notifier
func (Desktop) Send(n Notification) error {
	cmd := desktopCommand(runtime.GOOS, n)
	if cmd == nil {
		return nil
	}
	return cmd.Run()
}

func desktopCommand(goos string, n Notification) *exec.Cmd {
	switch goos {
	case "darwin":
		script := `display notification "` + escapeAppleScript(n.Message) +
			`" with title "` + escapeAppleScript(n.Title) +
			`" subtitle "` + escapeAppleScript(n.Topology+" · "+n.Progress()) + `"`
		return exec.Command("osascript", "-e", script)
	case "linux":
		urgency := "normal"
		if n.Outcome == Failed {
			urgency = "critical"
		}
		return exec.Command("notify-send", "--app-name", "crewwatch", "--urgency", urgency, n.Title, n.Message)
	default:
		return nil
	}
}

func escapeAppleScript(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
