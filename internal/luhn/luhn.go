// Package luhn checks card-like digit runs with the Luhn checksum.
package luhn

// Validate reports whether digits passes the Luhn checksum. Any byte other
// than 0-9 fails, as does the empty string.
func Validate(digits string) bool {
	if len(digits) == 0 {
		return false
	}

	var sum int
	alternate := false
	for i := len(digits) - 1; i >= 0; i-- {
		c := digits[i]
		if c < '0' || c > '9' {
			return false
		}
		digit := int(c - '0')
		if alternate {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		alternate = !alternate
	}
	return sum%10 == 0
}

// CardNumber reports whether s, with spaces and dashes removed, is a
// 13 to 19 digit number passing the checksum.
func CardNumber(s string) bool {
	digits := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c >= '0' && c <= '9':
			digits = append(digits, c)
		case c == ' ' || c == '-':
		default:
			return false
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	return Validate(string(digits))
}
