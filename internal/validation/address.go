// Package validation содержит функции валидации входных данных.
package validation

// IsValidAddress проверяет синтаксис hex-адреса участника: префикс 0x и 40
// шестнадцатеричных символов. Контрольная сумма регистра не проверяется —
// подлинность адреса подтверждает внешний слой идентификации.
func IsValidAddress(addr string) bool {
	if len(addr) != 42 {
		return false
	}
	if addr[0] != '0' || (addr[1] != 'x' && addr[1] != 'X') {
		return false
	}

	for i := 2; i < len(addr); i++ {
		c := addr[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}

	return true
}
