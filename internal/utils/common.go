package utils

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// CreateIfNotExists makes sure a mount target directory exists before the
// mount is attempted.
func CreateIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModePerm)
	}

	return nil
}

// TouchFile makes sure path exists as a regular file, creating parent
// directories as needed. Bind-mounting a file requires the target to exist.
func TouchFile(path string) error {
	if err := CreateIfNotExists(filepath.Dir(path)); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// ReadEnv parses a dotenv-style file into a map.
func ReadEnv(file string) (map[string]string, error) {
	return godotenv.Read(file)
}

// CleanupSlice removes empty or whitespace-only values.
func CleanupSlice(slice []string) []string {
	var cleaned []string
	for _, item := range slice {
		if strings.TrimSpace(item) == "" {
			continue
		}
		cleaned = append(cleaned, item)
	}
	return cleaned
}

// UniqueSlice removes duplicate values, keeping first occurrence order.
func UniqueSlice(slice []string) []string {
	keys := make(map[string]bool)
	var unique []string
	for _, entry := range slice {
		if _, found := keys[entry]; !found {
			keys[entry] = true
			unique = append(unique, entry)
		}
	}
	return unique
}

// CleanRootForFstab strips the pre-pivot root prefix so entries written to
// the new root's fstab reference post-pivot paths.
func CleanRootForFstab(root, path string) string {
	cleaned := strings.TrimPrefix(path, root)
	if cleaned == "" {
		return "/"
	}
	return cleaned
}
