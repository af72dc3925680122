/*
Copyright © 2025 OSImager Authors

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/

package assembly

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/osimager/osimager/config"
	"github.com/osimager/osimager/errors"
)

// resolveISO picks the ISO for a build and rewrites the iso_url and
// iso_checksum defs. In local-only mode only files already on disk qualify;
// otherwise each candidate URL is HEAD-probed and the first reachable one
// wins, with a published checksum fetched when iso_checksum_url is set.
func resolveISO(defs map[string]interface{}, isoDirs []string, localOnly bool) error {
	candidates := isoCandidates(defs)
	if len(candidates) == 0 {
		return nil
	}

	for _, url := range candidates {
		base := filepath.Base(strings.TrimPrefix(url, "file://"))
		for _, dir := range isoDirs {
			local := filepath.Join(dir, base)
			if _, err := os.Stat(local); err == nil {
				defs["iso_url"] = "file://" + local
				delete(defs, "iso_urls")
				return nil
			}
		}
		if strings.HasPrefix(url, "file://") || strings.HasPrefix(url, "/") {
			path := strings.TrimPrefix(url, "file://")
			if _, err := os.Stat(path); err == nil {
				defs["iso_url"] = "file://" + path
				delete(defs, "iso_urls")
				return nil
			}
		}
	}

	if localOnly {
		return errors.E(errors.KindSourceUnavailable,
			"no local copy of %s found and local-only mode is active", candidates[0])
	}

	client := &http.Client{Timeout: config.DefaultHTTPTimeout}
	for _, url := range candidates {
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			continue
		}
		resp, err := client.Head(url)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 400 {
			defs["iso_url"] = url
			delete(defs, "iso_urls")
			if checksumURL, ok := defs["iso_checksum_url"].(string); ok && checksumURL != "" {
				if sum := fetchChecksum(client, checksumURL, filepath.Base(url)); sum != "" {
					defs["iso_checksum"] = sum
				}
			}
			return nil
		}
	}
	return errors.E(errors.KindSourceUnavailable,
		"no ISO candidate reachable (tried %d URLs)", len(candidates))
}

// isoCandidates returns the ISO URLs a spec declares, with the version and
// arch markers already substituted by the defs pass.
func isoCandidates(defs map[string]interface{}) []string {
	var urls []string
	if s, ok := defs["iso_url"].(string); ok && s != "" {
		urls = append(urls, s)
	}
	switch v := defs["iso_urls"].(type) {
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				urls = append(urls, s)
			}
		}
	case []string:
		urls = append(urls, v...)
	}
	return urls
}

// fetchChecksum downloads a SHA256SUMS-style file and extracts the digest
// matching the ISO basename. Any failure returns an empty string; the build
// then runs without checksum verification.
func fetchChecksum(client *http.Client, url, basename string) string {
	resp, err := client.Get(url)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		name := strings.TrimPrefix(fields[len(fields)-1], "*")
		if filepath.Base(name) == basename {
			return fmt.Sprintf("sha256:%s", fields[0])
		}
	}
	return ""
}
