// Package policy holds the pure disclosure-policy functions. They are total
// over all integer inputs and monotonic in visit number: later visits never
// lose depth or tool access.
package policy

import "patientsim/pkg"

// MaxDetailDepth reports how granular the patient disclosure can be for a
// visit. Level is currently ignored; only the visit number gates depth.
func MaxDetailDepth(level, visitNo int) int {
	if visitNo < 1 {
		visitNo = 1
	}
	switch visitNo {
	case 1:
		return 1
	case 2:
		return 2
	default:
		return 3
	}
}

// MaxVisits caps the number of visits permitted for a doctor level.
func MaxVisits(level int) int {
	if level < 0 {
		level = 0
	}
	switch {
	case level <= 1:
		return 2
	case level == 2:
		return 3
	case level == 3:
		return 4
	default:
		return 5
	}
}

// AllowedTools returns the doctor actions unlocked at a visit. History and
// exams are always available; tests unlock at visit 2.
func AllowedTools(level, visitNo int) map[pkg.ChunkKind]bool {
	if visitNo < 1 {
		visitNo = 1
	}
	allowed := map[pkg.ChunkKind]bool{
		pkg.KindHistory: true,
		pkg.KindExam:    true,
	}
	if visitNo >= 2 {
		allowed[pkg.KindTests] = true
	}
	return allowed
}
