package config

import (
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

const (
	// ClientName prefixes the User-Agent sent upstream.
	ClientName = "go-responses"
	// ClientVersion is sent to upstream in the User-Agent.
	ClientVersion = "0.3.0"
)

var (
	cachedOSVersionOnce sync.Once
	cachedOSVersion     string
)

// ApplyDefaultHeaders sets the User-Agent and the optional OpenAI organization
// and project headers.
func ApplyDefaultHeaders(headers http.Header) {
	if headers == nil {
		return
	}
	headers.Set("User-Agent", UserAgent())

	if org := strings.TrimSpace(os.Getenv("OPENAI_ORGANIZATION")); isValidHeaderValue(org) {
		headers.Set("OpenAI-Organization", org)
	}
	if project := strings.TrimSpace(os.Getenv("OPENAI_PROJECT")); isValidHeaderValue(project) {
		headers.Set("OpenAI-Project", project)
	}
}

// UserAgent builds the client User-Agent:
// <name>/<version> (<os_type> <os_version>; <arch>) go/<go_version>
func UserAgent() string {
	ua := fmt.Sprintf("%s/%s (%s %s; %s) go/%s",
		ClientName,
		ClientVersion,
		osType(),
		osVersion(),
		arch(),
		strings.TrimPrefix(runtime.Version(), "go"),
	)
	return sanitizeUserAgent(ua)
}

func osType() string {
	switch runtime.GOOS {
	case "darwin":
		return "Mac OS"
	case "linux":
		return "Linux"
	case "windows":
		return "Windows"
	case "freebsd":
		return "FreeBSD"
	default:
		return runtime.GOOS
	}
}

func arch() string {
	if runtime.GOARCH == "amd64" {
		return "x86_64"
	}
	return runtime.GOARCH
}

func osVersion() string {
	cachedOSVersionOnce.Do(func() {
		if runtime.GOOS == "linux" {
			cachedOSVersion = parseOSRelease(readFile("/etc/os-release"))
		}
		if cachedOSVersion == "" {
			cachedOSVersion = "unknown"
		}
	})
	return cachedOSVersion
}

func readFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// parseOSRelease returns VERSION_ID, or VERSION, from an os-release file.
func parseOSRelease(data string) string {
	values := map[string]string{}
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if parsed, err := strconv.Unquote(v); err == nil {
			v = parsed
		} else {
			v = strings.Trim(v, "\"")
		}
		values[strings.TrimSpace(k)] = v
	}
	for _, key := range []string{"VERSION_ID", "VERSION"} {
		if v := strings.TrimSpace(values[key]); v != "" {
			return v
		}
	}
	return ""
}

func sanitizeUserAgent(candidate string) string {
	if isValidHeaderValue(candidate) {
		return candidate
	}
	var b strings.Builder
	b.Grow(len(candidate))
	for _, r := range candidate {
		if r >= ' ' && r <= '~' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	if sanitized := b.String(); isValidHeaderValue(sanitized) {
		return sanitized
	}
	return ClientName + "/" + ClientVersion
}

func isValidHeaderValue(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}
	for _, r := range s {
		if r < ' ' || r == 0x7f {
			return false
		}
	}
	return true
}
