package lvm

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// setting is one key to force in an lvm config section.
type setting struct {
	section string
	key     string
	value   string
}

// setLVMKeys rewrites an lvm-style config file (sections of
// "name {\n key = value \n}") so that every setting is present and
// uncommented. Missing files are created.
func setLVMKeys(path string, settings []setting) error {
	b, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	content := string(b)
	for _, s := range settings {
		content = setLVMKey(content, s)
	}
	return writeIfChanged(path, string(b), content)
}

func setLVMKey(content string, s setting) string {
	line := fmt.Sprintf("\t%s = %s", s.key, s.value)

	keyRe := regexp.MustCompile(`(?m)^[ \t]*#?[ \t]*` + regexp.QuoteMeta(s.key) + `[ \t]*=.*$`)
	if loc := keyRe.FindStringIndex(content); loc != nil {
		return content[:loc[0]] + line + content[loc[1]:]
	}

	sectionRe := regexp.MustCompile(`(?m)^[ \t]*` + regexp.QuoteMeta(s.section) + `[ \t]*\{[ \t]*$`)
	if loc := sectionRe.FindStringIndex(content); loc != nil {
		return content[:loc[1]] + "\n" + line + content[loc[1]:]
	}

	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content + s.section + " {\n" + line + "\n}\n"
}

// setFlatKeys rewrites a flat "key = value" file such as sanlock.conf.
func setFlatKeys(path string, kv [][2]string) error {
	b, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	content := string(b)
	for _, p := range kv {
		line := p[0] + " = " + p[1]
		re := regexp.MustCompile(`(?m)^[ \t]*#?[ \t]*` + regexp.QuoteMeta(p[0]) + `[ \t]*=.*$`)
		if loc := re.FindStringIndex(content); loc != nil {
			content = content[:loc[0]] + line + content[loc[1]:]
			continue
		}
		if content != "" && !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		content += line + "\n"
	}
	return writeIfChanged(path, string(b), content)
}

func writeIfChanged(path, before, after string) error {
	if before == after {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(after), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
