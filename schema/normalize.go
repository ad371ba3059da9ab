package schema

import "strings"

// ValidateSiteID ensures a site id matches [a-z0-9-], does not begin or
// end with '-', and is non-empty. Site ids become container names,
// database names and filesystem paths, so the character set is strict.
func ValidateSiteID(id SiteID) error {
	raw := string(id)
	if raw == "" || len(raw) > 64 {
		return ErrInvalidSiteID
	}
	if strings.HasPrefix(raw, "-") || strings.HasSuffix(raw, "-") {
		return ErrInvalidSiteID
	}
	for _, r := range raw {
		if r >= 'a' && r <= 'z' {
			continue
		}
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '-' {
			continue
		}
		return ErrInvalidSiteID
	}
	return nil
}

// NormalizePackages validates and deduplicates an extra package list,
// preserving the declared install order of first occurrences.
func NormalizePackages(packages []string) ([]string, error) {
	if len(packages) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(packages))
	out := make([]string, 0, len(packages))
	for _, pkg := range packages {
		pkg = strings.TrimSpace(pkg)
		if err := validatePackageName(pkg); err != nil {
			return nil, err
		}
		if _, ok := seen[pkg]; ok {
			continue
		}
		seen[pkg] = struct{}{}
		out = append(out, pkg)
	}
	return out, nil
}

// validatePackageName enforces the Debian package name grammar: at
// least two characters, starting with [a-z0-9], then [a-z0-9.+-].
func validatePackageName(name string) error {
	if len(name) < 2 {
		return &PackageNameError{Name: name}
	}
	first := rune(name[0])
	if !(first >= 'a' && first <= 'z') && !(first >= '0' && first <= '9') {
		return &PackageNameError{Name: name}
	}
	for _, r := range name[1:] {
		if r >= 'a' && r <= 'z' {
			continue
		}
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '.' || r == '+' || r == '-' {
			continue
		}
		return &PackageNameError{Name: name}
	}
	return nil
}
