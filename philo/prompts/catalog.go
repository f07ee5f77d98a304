// Package prompts loads versioned prompt templates and fills in their placeholders.
//
// A catalog is a tree of directories, one per prompt:
//
//	<name>/v0.prompt
//	<name>/v1.prompt
//	<name>/format_string.prompt   (optional)
//	<name>/example_string.prompt  (optional)
//	<name>/user_string.prompt     (optional)
//
// Templates are plain text. Rendering only substitutes placeholder tokens.
package prompts

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
)

// LatestVersion selects the highest version available for a prompt.
const LatestVersion = -1

// UserInputToken is replaced by the caller-supplied input.
const UserInputToken = "{{ USER_INPUT }}"

// Modifier parts substituted into every version of a prompt, in order.
var modifiers = []string{"format_string", "example_string", "user_string"}

const promptExt = ".prompt"

var (
	// ErrNotFound is returned for an unknown prompt name or version.
	ErrNotFound = errors.New("prompt not found")

	// ErrMissingInput is returned when a template needs user input and none was given.
	ErrMissingInput = errors.New("prompt requires user input")
)

//go:embed templates
var embedded embed.FS

// Catalog renders prompts from a file tree.
type Catalog struct {
	fsys fs.FS
}

// New serves prompts from fsys.
func New(fsys fs.FS) *Catalog {
	return &Catalog{fsys: fsys}
}

// Default serves the built-in prompts.
func Default() *Catalog {
	sub, err := fs.Sub(embedded, "templates")
	if err != nil {
		panic(fmt.Sprintf("prompts: embedded templates: %v", err))
	}
	return New(sub)
}

// Dir serves prompts from a directory on disk.
func Dir(dir string) *Catalog {
	return New(os.DirFS(dir))
}

// Names lists the prompts in the catalog.
func (c *Catalog) Names() ([]string, error) {
	entries, err := fs.ReadDir(c.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("Names: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if vs, err := c.Versions(e.Name()); err == nil && len(vs) > 0 {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Versions lists the available versions of name in ascending order.
func (c *Catalog) Versions(name string) ([]int, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(c.fsys, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return nil, fmt.Errorf("Versions %q: %w", name, err)
	}
	var versions []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, ok := parseVersionFile(e.Name())
		if ok {
			versions = append(versions, n)
		}
	}
	sort.Ints(versions)
	return versions, nil
}

// Render returns the finished prompt for name at version. It fails with ErrMissingInput
// if the template expects user input.
func (c *Catalog) Render(name string, version int) (string, error) {
	out, err := c.assemble(name, version)
	if err != nil {
		return "", err
	}
	if strings.Contains(out, UserInputToken) {
		return "", fmt.Errorf("%w: %s v%d", ErrMissingInput, name, version)
	}
	return out, nil
}

// RenderWithInput returns the finished prompt with input substituted for UserInputToken.
// The input itself is never scanned for tokens.
func (c *Catalog) RenderWithInput(name string, version int, input string) (string, error) {
	out, err := c.assemble(name, version)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(out, UserInputToken, input), nil
}

// Resolve maps LatestVersion to the highest version available for name. Other versions
// are returned unchanged.
func (c *Catalog) Resolve(name string, version int) (int, error) {
	if version != LatestVersion {
		return version, nil
	}
	vs, err := c.Versions(name)
	if err != nil {
		return 0, err
	}
	if len(vs) == 0 {
		return 0, fmt.Errorf("%w: %q has no versions", ErrNotFound, name)
	}
	return vs[len(vs)-1], nil
}

func (c *Catalog) assemble(name string, version int) (string, error) {
	version, err := c.Resolve(name, version)
	if err != nil {
		return "", err
	}
	if version < 0 {
		return "", fmt.Errorf("%w: %s v%d", ErrNotFound, name, version)
	}
	if err := checkName(name); err != nil {
		return "", err
	}

	body, err := c.readPart(name, "v"+strconv.Itoa(version))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s v%d", ErrNotFound, name, version)
		}
		return "", err
	}
	for _, m := range modifiers {
		part, err := c.readPart(name, m)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return "", err
		}
		body = strings.ReplaceAll(body, modifierToken(m), strings.TrimRight(part, "\n"))
	}
	return body, nil
}

func (c *Catalog) readPart(name, part string) (string, error) {
	b, err := fs.ReadFile(c.fsys, path.Join(name, part+promptExt))
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(string(b), "\r\n", "\n"), nil
}

func modifierToken(m string) string {
	return "{{ " + strings.ToUpper(m) + " }}"
}

func parseVersionFile(file string) (int, bool) {
	stem, ok := strings.CutSuffix(file, promptExt)
	if !ok {
		return 0, false
	}
	digits, ok := strings.CutPrefix(stem, "v")
	if !ok || digits == "" {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func checkName(name string) error {
	if name == "" || name == "." || strings.Contains(name, "/") || !fs.ValidPath(name) {
		return fmt.Errorf("%w: invalid prompt name %q", ErrNotFound, name)
	}
	return nil
}
