package runner

import "os"

// IsSuperUser reports whether nettest runs as root, which the MTU test needs
// to change interface settings
func IsSuperUser() bool {
	return os.Geteuid() == 0
}

// Missing returns the names from tools that cannot be found on PATH
func Missing(r Runner, tools ...string) []string {
	var missing []string
	for _, t := range tools {
		if t == "" {
			continue
		}
		if _, err := r.LookPath(t); err != nil {
			missing = append(missing, t)
		}
	}
	return missing
}
