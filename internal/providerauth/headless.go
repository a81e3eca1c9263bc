package providerauth

import (
	"os"
	"os/exec"
	"runtime"
)

// IsHeadlessEnvironment reports whether GUI operations (opening a browser)
// are possible. CI markers and a missing DISPLAY on Unix mean headless.
func IsHeadlessEnvironment() bool {
	if os.Getenv("CI") != "" || os.Getenv("CONTINUOUS_INTEGRATION") != "" {
		return true
	}
	if os.Getenv("HEADLESS") != "" || os.Getenv("NO_GUI") != "" {
		return true
	}
	if runtime.GOOS != "windows" && runtime.GOOS != "darwin" {
		if os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") == "" {
			return true
		}
	}
	return false
}

// openBrowser launches the platform browser at the given URL.
func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}
