package domain

import "regexp"

// Symbols name on-disk files, so they are restricted to a safe alphabet.
var symbolPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,31}$`)

// ValidateSymbol returns ErrInvalidSymbol unless symbol is 1-32 characters
// of letters, digits, '.', '_' or '-', starting with a letter or digit.
func ValidateSymbol(symbol string) error {
	if !symbolPattern.MatchString(symbol) {
		return ErrInvalidSymbol
	}
	return nil
}
