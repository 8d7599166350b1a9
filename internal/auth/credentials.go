package auth

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// User is one administrator account from the credential file.
type User struct {
	Name        string   `json:"name" yaml:"name"`
	Hash        string   `json:"-" yaml:"-"`
	Permissions []string `json:"permissions" yaml:"permissions"`
}

func (u User) line() string {
	fields := []string{u.Name, u.Hash}
	if len(u.Permissions) > 0 {
		fields = append(fields, strings.Join(u.Permissions, ","))
	}
	return strings.Join(fields, "\t") + "\n"
}

// ParseCredentials reads records of the form name<TAB>hash[<TAB>perm,perm].
// Comment lines starting with '#', blank lines and records with fewer than
// two fields are ignored. A later record for the same name wins.
func ParseCredentials(data []byte) map[string]User {
	users := make(map[string]User)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 || fields[0] == "" {
			continue
		}
		u := User{Name: fields[0], Hash: fields[1]}
		if len(fields) >= 3 {
			for _, p := range strings.Split(fields[2], ",") {
				if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
					u.Permissions = append(u.Permissions, p)
				}
			}
		}
		users[u.Name] = u
	}
	return users
}

func validName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "\t\r\n") && !strings.HasPrefix(name, "#")
}

// credentialFile performs the raw file operations. Callers serialise writes.
type credentialFile struct {
	path string
}

// read returns nil content for a missing file.
func (f credentialFile) read() ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("auth: read credentials: %w", err)
	}
	return data, nil
}

// remove rewrites the file without the records of name, through a temporary
// file renamed over the original. It reports whether a record was dropped.
func (f credentialFile) remove(name string) (bool, error) {
	data, err := f.read()
	if err != nil {
		return false, err
	}
	var out bytes.Buffer
	removed := false
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, name+"\t") {
			removed = true
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if !removed {
		return false, nil
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp*")
	if err != nil {
		return false, fmt.Errorf("auth: rewrite credentials: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(out.Bytes()); err != nil {
		tmp.Close()
		return false, fmt.Errorf("auth: rewrite credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("auth: rewrite credentials: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return false, fmt.Errorf("auth: rewrite credentials: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return false, fmt.Errorf("auth: rewrite credentials: %w", err)
	}
	return true, nil
}

func (f credentialFile) append(u User) error {
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("auth: append credentials: %w", err)
	}
	if _, err := fh.WriteString(u.line()); err != nil {
		fh.Close()
		return fmt.Errorf("auth: append credentials: %w", err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("auth: append credentials: %w", err)
	}
	return nil
}
