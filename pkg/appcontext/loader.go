// Package appcontext loads the application context document handed to the
// client by its host (endpoints, OAuth token, app name) and resolves values
// by dotted path.
package appcontext

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

const logPrefix = "appcontext:loader"

// EnvPath names the environment variable holding the context file path.
const EnvPath = "KIWIBUS_APP_CONTEXT"

// Context is a parsed application context document.
type Context struct {
	source string
	data   map[string]interface{}
}

// Load reads the first readable JSON document. Paths are tried in order:
// explicit paths, then KIWIBUS_APP_CONTEXT, then the defaults. Unreadable
// or unparsable files are skipped; when none loads, an empty context is
// returned.
func Load(paths ...string) *Context {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv(EnvPath); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/appcontext.json", "appcontext.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		ctx, err := Parse(data)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse app context %s: %v", logPrefix, p, err))
			continue
		}
		ctx.source = p
		slog.Info(fmt.Sprintf("%s - Loaded app context from %s", logPrefix, p))
		return ctx
	}

	slog.Info(fmt.Sprintf("%s - No app context found, using empty context", logPrefix))
	return &Context{data: map[string]interface{}{}}
}

// Parse decodes a JSON object into a Context.
func Parse(data []byte) (*Context, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%s - invalid app context: %w", logPrefix, err)
	}
	if m == nil {
		m = map[string]interface{}{}
	}
	return &Context{data: m}, nil
}

// New wraps an already decoded document.
func New(data map[string]interface{}) *Context {
	if data == nil {
		data = map[string]interface{}{}
	}
	return &Context{data: data}
}

// Source returns the file the context was loaded from, or "".
func (c *Context) Source() string {
	return c.source
}

// Get resolves a dotted path such as "oAuth.accessToken". An empty path
// returns the whole document.
func (c *Context) Get(path string) (interface{}, bool) {
	if path == "" {
		return c.data, true
	}
	var cur interface{} = c.data
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// String returns the value at path when it is a string, or "".
func (c *Context) String(path string) string {
	v, ok := c.Get(path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// AccessToken returns the OAuth access token carried by the context.
func (c *Context) AccessToken() string {
	return c.String("oAuth.accessToken")
}
