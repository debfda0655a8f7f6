package utils

import "encoding/json"

func MarshalToJSON[T any](value T) (string, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func UnmarshalFromJSON[T any](data string) (T, error) {
	var value T
	err := json.Unmarshal([]byte(data), &value)
	return value, err
}
