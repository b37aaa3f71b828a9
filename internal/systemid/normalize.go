// Package systemid canonicalizes test system names and the environment
// suffixes that may accompany them.
package systemid

import "strings"

const Rotor = "rotor"

type Environment int

const (
	// EnvUnspecified leaves the environment to other settings.
	EnvUnspecified Environment = iota
	EnvVacuum
	EnvSolvent
)

// Normalize canonicalizes a system name. A recognized environment suffix
// such as "-vacuum" or "_solvated" is stripped and reported. Unknown names
// come back lower-cased and dash-separated.
func Normalize(name string) (string, Environment) {
	normalized := strings.TrimSpace(strings.ToLower(name))
	normalized = strings.ReplaceAll(normalized, "_", "-")
	normalized = strings.ReplaceAll(normalized, " ", "-")
	normalized = strings.Trim(normalized, "-")
	if normalized == "" {
		return "", EnvUnspecified
	}

	base, env := trimEnvironment(normalized)
	if canonical, ok := canonicalSystemName(base); ok {
		return canonical, env
	}
	if canonical, ok := canonicalSystemName(normalized); ok {
		return canonical, EnvUnspecified
	}
	return normalized, EnvUnspecified
}

// Label is the display name of a system in an environment, as recorded on
// runs.
func Label(system string, solvent bool) string {
	if solvent {
		return system + "-solvated"
	}
	return system + "-vacuum"
}

func trimEnvironment(value string) (string, Environment) {
	for _, s := range []struct {
		suffix string
		env    Environment
	}{
		{"-vacuum", EnvVacuum},
		{"-vac", EnvVacuum},
		{"-gas", EnvVacuum},
		{"-solvated", EnvSolvent},
		{"-solvent", EnvSolvent},
		{"-solv", EnvSolvent},
		{"-water", EnvSolvent},
	} {
		if trimmed, ok := strings.CutSuffix(value, s.suffix); ok && trimmed != "" {
			return trimmed, s.env
		}
	}
	return value, EnvUnspecified
}

func canonicalSystemName(alias string) (string, bool) {
	switch strings.ReplaceAll(alias, "-", "") {
	case "rotor", "ligandrotor", "toyrotor", "biphenylrotor":
		return Rotor, true
	default:
		return "", false
	}
}
