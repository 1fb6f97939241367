package worker

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Ограничения имени хоста: имя диска "<name>-disk" не длиннее 63 символов.
const (
	maxNameBase = 53
	maxName     = 58
)

var (
	invalidNameChars = regexp.MustCompile(`[^-a-z0-9]`)
	leadingNonLetter = regexp.MustCompile(`^[^a-z]+`)
)

// WorkerName строит имя хоста для попытки: "<hostname>-<step>-<attempt hex>".
//
// Имя в нижнем регистре, из букв, цифр и дефисов, начинается с буквы
// и не кончается дефисом. Основа обрезается до 53 символов, чтобы в
// имени осталась часть ID попытки, всё имя — до 58.
func WorkerName(hostname, step string, attemptID uuid.UUID) (string, error) {
	base := sanitizeName(hostname + "-" + step)
	if len(base) > maxNameBase {
		base = base[:maxNameBase]
	}

	hex := strings.ReplaceAll(attemptID.String(), "-", "")
	name := sanitizeName(base + "-" + hex)
	if len(name) > maxName {
		name = name[:maxName]
	}
	name = strings.TrimRight(name, "-")
	if name == "" {
		return "", fmt.Errorf("%w: hostname %q, step %q", ErrInvalidWorkerName, hostname, step)
	}
	return name, nil
}

func sanitizeName(s string) string {
	s = strings.ToLower(s)
	s = invalidNameChars.ReplaceAllString(s, "")
	return leadingNonLetter.ReplaceAllString(s, "")
}
