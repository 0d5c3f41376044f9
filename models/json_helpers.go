package models

import (
	"encoding/json"

	"gorm.io/datatypes"
)

func ConvertToJSON(data interface{}) (datatypes.JSON, error) {
	bytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(bytes), nil
}

// JSONFromStrings encodes a string slice column value. Marshaling a string
// slice cannot fail, so the error is swallowed.
func JSONFromStrings(values []string) datatypes.JSON {
	if values == nil {
		values = []string{}
	}
	bytes, _ := json.Marshal(values)
	return datatypes.JSON(bytes)
}

// StringsFromJSON decodes a jsonb string array. Nil or malformed input
// yields an empty slice rather than an error; callers treat the column as
// best-effort metadata.
func StringsFromJSON(data datatypes.JSON) []string {
	if data == nil {
		return []string{}
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return []string{}
	}
	return out
}

// MetadataFromJSON decodes an opaque jsonb bag, preserving unknown keys.
func MetadataFromJSON(data datatypes.JSON) map[string]interface{} {
	out := map[string]interface{}{}
	if data == nil {
		return out
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}
