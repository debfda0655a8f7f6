package utils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/ttacon/libphonenumber"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

func IsValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// ValidatePhoneNumber accepts E.164-ish input; region is only used when the
// number has no leading country code.
func ValidatePhoneNumber(phone string, region string) bool {
	if region == "" {
		region = "GB"
	}
	p, err := libphonenumber.Parse(phone, region)
	if err != nil {
		return false
	}
	return libphonenumber.IsValidNumber(p)
}

func ProcessValidationErrors(err error) string {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	messages := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		switch fieldErr.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", fieldErr.Field()))
		case "gt":
			messages = append(messages, fmt.Sprintf("%s must be greater than %s", fieldErr.Field(), fieldErr.Param()))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of [%s]", fieldErr.Field(), fieldErr.Param()))
		case "len":
			messages = append(messages, fmt.Sprintf("%s must be %s characters", fieldErr.Field(), fieldErr.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s is invalid", fieldErr.Field()))
		}
	}
	return strings.Join(messages, "; ")
}

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

// NormalizeAmount rejects values that carry more precision than the
// currency's minor unit allows.
func NormalizeAmount(amount decimal.Decimal, minorUnits int32) (decimal.Decimal, error) {
	if amount.Exponent() < -minorUnits {
		rounded := amount.Round(minorUnits)
		if !rounded.Equal(amount) {
			return decimal.Zero, fmt.Errorf("amount %s exceeds %d decimal places", amount.String(), minorUnits)
		}
		return rounded, nil
	}
	return amount, nil
}

// ChunkRange splits [0,total) into contiguous chunks of at most size.
// Returned pairs are [start, end) offsets.
func ChunkRange(total, size int) [][2]int {
	if total <= 0 || size <= 0 {
		return nil
	}
	chunks := make([][2]int, 0, (total+size-1)/size)
	for start := 0; start < total; start += size {
		end := start + size
		if end > total {
			end = total
		}
		chunks = append(chunks, [2]int{start, end})
	}
	return chunks
}
