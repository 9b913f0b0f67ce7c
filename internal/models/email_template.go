package models

// EmailTemplate holds a notification template, keyed by template_id and locale.
type EmailTemplate struct {
	TemplateID string `bson:"template_id" json:"template_id"`
	Locale     string `bson:"locale" json:"locale"`
	Subject    string `bson:"subject" json:"subject"`
	Body       string `bson:"body" json:"body"`
}
