package model

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

type IDType string

const (
	IDTypeRun        IDType = "run"
	IDTypeShift      IDType = "shf"
	IDTypeHandoff    IDType = "hnd"
	IDTypeEscalation IDType = "esc"
)

var validIDTypes = map[IDType]bool{
	IDTypeRun:        true,
	IDTypeShift:      true,
	IDTypeHandoff:    true,
	IDTypeEscalation: true,
}

var idRegex = regexp.MustCompile(`^(run|shf|hnd|esc)_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}
	return fmt.Sprintf("%s_%s", idType, uuid.NewString()), nil
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDType(id string) (IDType, error) {
	if !ValidateID(id) {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	prefix, _, _ := strings.Cut(id, "_")
	return IDType(prefix), nil
}
