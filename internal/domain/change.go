package domain

// ChangeRecord is one field-level difference. It is immutable once built.
type ChangeRecord struct {
	fieldPath    string
	oldValue     Value
	newValue     Value
	changeReason string
}

func NewChangeRecord(fieldPath string, oldValue, newValue Value, reason string) ChangeRecord {
	return ChangeRecord{
		fieldPath:    fieldPath,
		oldValue:     oldValue,
		newValue:     newValue,
		changeReason: reason,
	}
}

func (c ChangeRecord) FieldPath() string    { return c.fieldPath }
func (c ChangeRecord) OldValue() Value      { return c.oldValue }
func (c ChangeRecord) NewValue() Value      { return c.newValue }
func (c ChangeRecord) ChangeReason() string { return c.changeReason }

// AsValue is the canonical object form used for hashing and persistence.
func (c ChangeRecord) AsValue() Value {
	fields := map[string]Value{
		"field_path": String(c.fieldPath),
		"old_value":  c.oldValue,
		"new_value":  c.newValue,
	}
	if c.changeReason != "" {
		fields["change_reason"] = String(c.changeReason)
	}
	return Object(fields)
}

// ChangeRecordFromValue is the inverse of AsValue.
func ChangeRecordFromValue(v Value) (ChangeRecord, bool) {
	if v.Kind() != KindObject {
		return ChangeRecord{}, false
	}
	pathV, _ := v.Get("field_path")
	path, ok := pathV.Str()
	if !ok {
		return ChangeRecord{}, false
	}
	oldV, _ := v.Get("old_value")
	newV, _ := v.Get("new_value")
	reasonV, _ := v.Get("change_reason")
	reason, _ := reasonV.Str()
	return NewChangeRecord(path, oldV, newV, reason), true
}

func (c ChangeRecord) MarshalJSON() ([]byte, error) {
	return c.AsValue().MarshalJSON()
}

func (c *ChangeRecord) UnmarshalJSON(data []byte) error {
	v, err := ParseJSON(data)
	if err != nil {
		return err
	}
	rec, ok := ChangeRecordFromValue(v)
	if !ok {
		return ErrInvalidValue
	}
	*c = rec
	return nil
}

// ChangesValue renders a change list as a list value.
func ChangesValue(changes []ChangeRecord) Value {
	items := make([]Value, len(changes))
	for i, c := range changes {
		items[i] = c.AsValue()
	}
	return List(items...)
}

// ChangesFromValue parses a list produced by ChangesValue.
func ChangesFromValue(v Value) ([]ChangeRecord, error) {
	if v.IsNull() {
		return nil, nil
	}
	if v.Kind() != KindList {
		return nil, ErrInvalidValue
	}
	out := make([]ChangeRecord, 0, v.Len())
	for _, item := range v.Items() {
		rec, ok := ChangeRecordFromValue(item)
		if !ok {
			return nil, ErrInvalidValue
		}
		out = append(out, rec)
	}
	return out, nil
}
