package schema

// Table names of the tech-fest data set.
const (
	TableEvents        = "events"
	TableRegistrations = "participant_registrations"
	TableOrganizers    = "organizer_credentials"
	TableTests         = "pre_qualifier_tests"
	TableInstitutions  = "participating_institutions"
	TableNews          = "news_updates"
)

func str(name string, required bool) FieldSpec {
	return FieldSpec{Name: name, Type: TypeString, Required: required}
}

func ts(name string, required bool) FieldSpec {
	return FieldSpec{Name: name, Type: TypeTimestamp, Required: required}
}

func num(name string, required bool, def any) FieldSpec {
	return FieldSpec{Name: name, Type: TypeNumber, Required: required, Default: def}
}

func flag(name string, def bool) FieldSpec {
	return FieldSpec{Name: name, Type: TypeBoolean, Default: def}
}

func enum(name string, required bool, def any, values ...string) FieldSpec {
	return FieldSpec{Name: name, Type: TypeEnum, Required: required, Default: def, Enum: values}
}

func list(name string) FieldSpec {
	return FieldSpec{Name: name, Type: TypeStringList, Default: []string{}}
}

// FestTables returns the table definitions of the tech-fest site.
func FestTables() []Table {
	return []Table{
		{Name: TableEvents, Fields: []FieldSpec{
			str("title", true),
			str("description", true),
			str("category", true),
			ts("start_date", true),
			ts("end_date", true),
			str("location", true),
			num("max_participants", true, nil),
			ts("registration_deadline", true),
			enum("status", false, "draft", "draft", "published", "ongoing", "completed"),
			str("organizer_id", true),
			list("judges"),
			list("requirements"),
			{Name: "prizes", Type: TypeJSON, Default: []any{}},
			str("banner_image", false),
			str("event_image", false),
			num("registration_fee", false, 0),
			str("payment_link", false),
			list("tags"),
		}},
		{Name: TableRegistrations, Fields: []FieldSpec{
			str("event_id", false),
			str("full_name", true),
			str("college_university", true),
			str("department_year", true),
			str("contact_number", true),
			str("email_id", true),
			str("team_name", false),
			num("team_size", false, 1),
			enum("role_in_team", false, "Leader", "Leader", "Member"),
			str("technical_skills", true),
			str("previous_experience", false),
			{Name: "agree_to_rules", Type: TypeBoolean, Required: true},
			{Name: "registered_at", Type: TypeTimestamp, DefaultNow: true},
			str("ip_address", false),
			list("attachments"),
			{Name: "event_specific_data", Type: TypeJSON},
		}},
		{Name: TableOrganizers, Fields: []FieldSpec{
			str("email", true),
			{Name: "password", Type: TypeString, Required: true, Secret: true},
			enum("role", true, nil, "organizer", "judge"),
			str("first_name", true),
			str("last_name", true),
			str("organization", false),
			flag("is_active", true),
			str("created_by", true),
			ts("last_login", false),
			flag("password_reset_required", false),
			str("linked_user_id", false),
		}},
		{Name: TableTests, Fields: []FieldSpec{
			str("title", true),
			str("description", true),
			str("test_link", true),
			flag("is_active", true),
			ts("start_date", true),
			ts("end_date", true),
			num("duration", true, nil),
			str("instructions", true),
			str("eligibility_criteria", true),
			num("max_attempts", false, 1),
			num("passing_score", false, nil),
			str("created_by", true),
			str("event_id", false),
			list("tags"),
			enum("difficulty", false, "Medium", "Easy", "Medium", "Hard"),
			num("total_questions", false, nil),
			enum("test_type", false, "MCQ", "MCQ", "Coding", "Mixed"),
		}},
		{Name: TableInstitutions, Fields: []FieldSpec{
			str("name", true),
			enum("type", true, nil, "college", "university", "company"),
			str("logo", false),
			str("description", false),
			str("website", false),
			str("location", false),
			num("student_count", false, 0),
			flag("is_active", true),
			num("order", false, 0),
		}},
		{Name: TableNews, Fields: []FieldSpec{
			str("title", true),
			str("subtitle", false),
			str("content", true),
			enum("category", true, nil, "Announcement", "Event Update", "Important Notice", "General News"),
			str("image", false),
			str("video_link", false),
			{Name: "publish_date", Type: TypeTimestamp, DefaultNow: true},
			str("author_name", true),
			str("author_email", true),
			enum("status", false, "draft", "draft", "published"),
			list("attachments"),
			num("views", false, 0),
			flag("featured", false),
		}},
	}
}

// Default returns a registry holding the tech-fest tables.
func Default() *Registry {
	return MustRegistry(FestTables()...)
}
