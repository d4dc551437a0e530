package utils

// ContainsString reports whether val is present in slice.
func ContainsString(slice []string, val string) bool {
	for _, s := range slice {
		if s == val {
			return true
		}
	}
	return false
}

// UniqueStrings returns input with duplicates removed, preserving first-seen order.
func UniqueStrings(input []string) []string {
	seen := make(map[string]bool)
	var result []string
	for _, val := range input {
		if !seen[val] {
			result = append(result, val)
			seen[val] = true
		}
	}
	return result
}
