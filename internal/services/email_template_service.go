package services

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"cardyard/market/internal/models"
)

// Default notification templates used as fallback when not found in database.
var defaultEmailTemplates = map[string]models.EmailTemplate{
	"listing_expiring_soon": {
		TemplateID: "listing_expiring_soon",
		Locale:     "en-US",
		Subject:    "Your listing \"{{.title}}\" expires soon",
		Body:       "Your listing \"{{.title}}\" will expire at {{.expires_at}}. Upgrade your account or relist to keep it visible.",
	},
	"listing_archived": {
		TemplateID: "listing_archived",
		Locale:     "en-US",
		Subject:    "Your listing \"{{.title}}\" has been archived",
		Body:       "Your listing \"{{.title}}\" reached the end of its active period and has been archived. You can restore it from your account within {{.grace_days}} days, after which it will be permanently removed.",
	},
	"listing_restored": {
		TemplateID: "listing_restored",
		Locale:     "en-US",
		Subject:    "Your listing \"{{.title}}\" is live again",
		Body:       "Your listing \"{{.title}}\" has been restored and is active until {{.expires_at}}.",
	},
}

// IEmailTemplateService defines the interface for notification template lookups.
type IEmailTemplateService interface {
	GetTemplate(ctx context.Context, templateID, locale string) (*models.EmailTemplate, error)
}

const emailTemplatesCollection = "email_templates"

// EmailTemplateService handles operations related to notification templates.
type EmailTemplateService struct {
	db *mongo.Database
}

// NewEmailTemplateService creates a new instance of EmailTemplateService.
func NewEmailTemplateService(db *mongo.Database) *EmailTemplateService {
	return &EmailTemplateService{db: db}
}

// GetTemplate retrieves a template by ID and locale, falling back to the
// built-in defaults when the database has no override.
func (s *EmailTemplateService) GetTemplate(ctx context.Context, templateID string, locale string) (*models.EmailTemplate, error) {
	collection := s.db.Collection(emailTemplatesCollection)
	filter := bson.M{
		"template_id": templateID,
		"locale":      locale,
	}

	var template models.EmailTemplate
	err := collection.FindOne(ctx, filter).Decode(&template)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			if defaultTemplate, ok := defaultEmailTemplates[templateID]; ok {
				return &defaultTemplate, nil
			}
			return nil, fmt.Errorf("template not found: %s (locale: %s)", templateID, locale)
		}
		return nil, fmt.Errorf("error retrieving template: %w", err)
	}

	return &template, nil
}

// SaveTemplate upserts a template override.
func (s *EmailTemplateService) SaveTemplate(ctx context.Context, template *models.EmailTemplate) error {
	collection := s.db.Collection(emailTemplatesCollection)
	filter := bson.M{
		"template_id": template.TemplateID,
		"locale":      template.Locale,
	}

	update := bson.M{"$set": template}
	opts := options.Update().SetUpsert(true)

	if _, err := collection.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("error saving template: %w", err)
	}
	return nil
}
