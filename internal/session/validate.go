package session

import "strings"

const (
	maxRoomNameLength = 50

	minNicknameLength = 2
	maxNicknameLength = 20

	minPasswordLength = 4
	maxPasswordLength = 20

	minMaxMembers = 2
	maxMaxMembers = 50
)

func validateRoomName(name string) (string, *Error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", newError(CodeInvalidName, "room name must not be blank")
	}
	if len([]rune(trimmed)) > maxRoomNameLength {
		return "", newError(CodeInvalidName, "room name must be at most %d characters", maxRoomNameLength)
	}
	return trimmed, nil
}

func validateNickname(nickname string) (string, *Error) {
	trimmed := strings.TrimSpace(nickname)
	n := len([]rune(trimmed))
	if n < minNicknameLength {
		return "", newError(CodeInvalidNickname, "nickname must be at least %d characters", minNicknameLength)
	}
	if n > maxNicknameLength {
		return "", newError(CodeInvalidNickname, "nickname must be at most %d characters", maxNicknameLength)
	}
	return trimmed, nil
}

// validatePassword accepts an empty password (passwordless room).
func validatePassword(password string) *Error {
	if password == "" {
		return nil
	}
	if len(password) < minPasswordLength {
		return newError(CodeInvalidPassword, "password must be at least %d characters", minPasswordLength)
	}
	if len(password) > maxPasswordLength {
		return newError(CodeInvalidPassword, "password must be at most %d characters", maxPasswordLength)
	}
	for _, r := range password {
		if !isAlphanumeric(r) {
			return newError(CodeInvalidPassword, "password must contain only letters and digits")
		}
	}
	return nil
}

func validateMaxMembers(n int) *Error {
	if n < minMaxMembers {
		return newError(CodeInvalidName, "max members must be at least %d", minMaxMembers)
	}
	if n > maxMaxMembers {
		return newError(CodeInvalidName, "max members must be at most %d", maxMaxMembers)
	}
	return nil
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
