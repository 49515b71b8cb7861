package util

import (
	"google.golang.org/protobuf/types/known/structpb"
)

func ToStruct(data map[string]any) (*structpb.Struct, error) {
	return structpb.NewStruct(data)
}

func FromStruct(s *structpb.Struct) map[string]any {
	if s == nil {
		return map[string]any{}
	}
	return s.AsMap()
}

// StringField reads a string member of a struct, returning "" when absent or
// of another kind.
func StringField(s *structpb.Struct, name string) string {
	if s == nil {
		return ""
	}
	v, ok := s.GetFields()[name]
	if !ok {
		return ""
	}
	return v.GetStringValue()
}
