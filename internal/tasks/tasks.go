package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hibiken/asynq"
	"github.com/nfnt/resize"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"cardyard/market/internal/config"
	"cardyard/market/internal/email"
	"cardyard/market/internal/services"
	"cardyard/market/internal/storage"
)

// Task types.
const (
	TypeEmailDelivery    = "email:deliver"
	TypeCardPhotoProcess = "photo:process"
	TypeLifecycleSweep   = "listing:lifecycle:sweep"
	TypeExpiryWarnings   = "listing:lifecycle:warn"
)

// --- Task Client (Enqueuing tasks) ---

func NewClient(rdb *redis.Client) *asynq.Client {
	clientOpt := asynq.RedisClientOpt{
		Addr:     rdb.Options().Addr,
		Password: rdb.Options().Password,
		DB:       rdb.Options().DB,
	}
	return asynq.NewClient(clientOpt)
}

// EnqueueLifecycleSweep schedules the next consistency sweep. The sweep
// handler re-enqueues itself, so this only needs to be called once at
// startup to prime the cycle.
func EnqueueLifecycleSweep(client *asynq.Client, delay time.Duration) error {
	task := asynq.NewTask(TypeLifecycleSweep, nil)
	_, err := client.Enqueue(task, asynq.ProcessIn(delay), asynq.Queue("default"),
		asynq.TaskID("lifecycle-sweep"), asynq.Retention(time.Hour))
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("failed to enqueue lifecycle sweep: %w", err)
	}
	return nil
}

// EnqueueExpiryWarnings schedules the next expiring-soon notification scan.
func EnqueueExpiryWarnings(client *asynq.Client, delay time.Duration) error {
	task := asynq.NewTask(TypeExpiryWarnings, nil)
	_, err := client.Enqueue(task, asynq.ProcessIn(delay), asynq.Queue("low"),
		asynq.TaskID("lifecycle-warn"), asynq.Retention(time.Hour))
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("failed to enqueue expiry warnings: %w", err)
	}
	return nil
}

// --- Task Server (Processing tasks) ---

// TaskProcessor handles the processing of tasks. It holds the dependencies
// needed by task handlers.
type TaskProcessor struct {
	cfg                  *config.Config
	emailSender          email.Sender
	storageService       storage.IS3Storage
	listingService       services.IListingService
	lifecycleService     services.ILifecycleService
	userService          services.IUserService
	emailTemplateService services.IEmailTemplateService
	s3Client             *s3.Client
	taskClient           *asynq.Client
}

func NewTaskProcessor(
	cfg *config.Config,
	emailSender email.Sender,
	storageService storage.IS3Storage,
	listingService services.IListingService,
	lifecycleService services.ILifecycleService,
	userService services.IUserService,
	emailTemplateService services.IEmailTemplateService,
	s3Client *s3.Client,
	taskClient *asynq.Client,
) *TaskProcessor {
	return &TaskProcessor{
		cfg:                  cfg,
		emailSender:          emailSender,
		storageService:       storageService,
		listingService:       listingService,
		lifecycleService:     lifecycleService,
		userService:          userService,
		emailTemplateService: emailTemplateService,
		s3Client:             s3Client,
		taskClient:           taskClient,
	}
}

// SetupServer configures an Asynq server and its handler mux. The caller
// runs and shuts the server down.
func SetupServer(rdb *redis.Client, processor *TaskProcessor) (*asynq.Server, *asynq.ServeMux) {
	serverOpt := asynq.RedisClientOpt{
		Addr:     rdb.Options().Addr,
		Password: rdb.Options().Password,
		DB:       rdb.Options().DB,
	}

	srv := asynq.NewServer(
		serverOpt,
		asynq.Config{
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
				"images":   5,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Printf("[Asynq Error] Task Type: %s, Payload: %s, Error: %v", task.Type(), string(task.Payload()), err)
			}),
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeEmailDelivery, processor.HandleEmailDeliveryTask)
	mux.HandleFunc(TypeCardPhotoProcess, processor.HandleCardPhotoProcessTask)
	mux.HandleFunc(TypeLifecycleSweep, processor.HandleLifecycleSweepTask)
	mux.HandleFunc(TypeExpiryWarnings, processor.HandleExpiryWarningsTask)
	log.Println("Registered background task handlers.")

	return srv, mux
}

// --- Task Handlers ---

// EmailTaskPayload carries a templated notification to a single recipient.
type EmailTaskPayload struct {
	To         string                 `json:"to"`
	TemplateID string                 `json:"template_id"`
	Locale     string                 `json:"locale,omitempty"`
	Data       map[string]interface{} `json:"data"`
}

func (p *TaskProcessor) HandleEmailDeliveryTask(ctx context.Context, t *asynq.Task) error {
	var payload EmailTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal email task payload: %v: %w", err, asynq.SkipRetry)
	}

	locale := payload.Locale
	if locale == "" {
		locale = "en-US"
	}

	tmpl, err := p.emailTemplateService.GetTemplate(ctx, payload.TemplateID, locale)
	if err != nil {
		log.Printf("Error getting email template %s/%s: %v", payload.TemplateID, locale, err)
		return fmt.Errorf("email template not found: %w", asynq.SkipRetry)
	}

	// Simple placeholder replacement (replace {{.key}}).
	subjectRendered := tmpl.Subject
	bodyRendered := tmpl.Body
	for key, val := range payload.Data {
		placeholder := fmt.Sprintf("{{.%s}}", key)
		valueStr := fmt.Sprintf("%v", val)
		subjectRendered = strings.ReplaceAll(subjectRendered, placeholder, valueStr)
		bodyRendered = strings.ReplaceAll(bodyRendered, placeholder, valueStr)
	}

	fromAddress := p.cfg.SmtpFromAddress

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("To: %s\r\n", payload.To))
	sb.WriteString(fmt.Sprintf("From: %s\r\n", fromAddress))
	sb.WriteString(fmt.Sprintf("Subject: %s\r\n", subjectRendered))
	sb.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(bodyRendered)
	sb.WriteString("\r\n")

	if err := p.emailSender.Send(ctx, []string{payload.To}, subjectRendered, []byte(sb.String())); err != nil {
		log.Printf("Email sending failed (will retry): %v", err)
		return err
	}
	return nil
}

// HandleLifecycleSweepTask runs one consistency pass over listings, notifies
// owners whose listings the sweep archived, and re-enqueues itself.
func (p *TaskProcessor) HandleLifecycleSweepTask(ctx context.Context, t *asynq.Task) error {
	report, err := p.lifecycleService.Sweep(ctx)
	if err != nil {
		log.Printf("Lifecycle sweep failed: %v", err)
		// Retry this run; the next scheduled run also covers for it since
		// the sweep always operates on current state.
		p.reEnqueueSweep(ctx)
		return err
	}

	for _, swept := range report.Expired {
		p.notifyListingArchived(ctx, swept)
	}

	p.reEnqueueSweep(ctx)
	return nil
}

func (p *TaskProcessor) reEnqueueSweep(ctx context.Context) {
	task := asynq.NewTask(TypeLifecycleSweep, nil)
	_, err := p.taskClient.EnqueueContext(ctx, task, asynq.ProcessIn(p.cfg.SweepInterval),
		asynq.Queue("default"), asynq.TaskID("lifecycle-sweep"), asynq.Retention(time.Hour))
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		log.Printf("ERROR failed to re-enqueue lifecycle sweep: %v", err)
	}
}

func (p *TaskProcessor) notifyListingArchived(ctx context.Context, swept services.SweptListing) {
	user, err := p.userService.FindByID(ctx, swept.UserID)
	if err != nil {
		if !errors.Is(err, mongo.ErrNoDocuments) {
			log.Printf("Error loading owner %s for archive notice: %v", swept.UserID.Hex(), err)
		}
		return
	}
	if user.NotificationPreferences != nil && !user.NotificationPreferences.ListingArchived {
		return
	}

	payload, err := json.Marshal(EmailTaskPayload{
		To:         user.Email,
		TemplateID: "listing_archived",
		Data: map[string]interface{}{
			"title":      swept.Title,
			"grace_days": p.cfg.ArchiveGraceDays,
		},
	})
	if err != nil {
		log.Printf("Error marshaling archive notice payload for %s: %v", swept.ID.Hex(), err)
		return
	}
	task := asynq.NewTask(TypeEmailDelivery, payload)
	if _, err := p.taskClient.EnqueueContext(ctx, task, asynq.Queue("default")); err != nil {
		log.Printf("Error enqueuing archive notice for listing %s: %v", swept.ID.Hex(), err)
	}
}

// HandleExpiryWarningsTask queues expiring-soon notices for active listings
// approaching their expiration, then re-enqueues itself.
func (p *TaskProcessor) HandleExpiryWarningsTask(ctx context.Context, t *asynq.Task) error {
	now := time.Now().UTC()
	before := now.Add(p.cfg.ExpiryWarningLead)

	for {
		page, err := p.listingService.FindExpiringSoon(ctx, now, before, p.cfg.SweepPageSize)
		if err != nil {
			log.Printf("Expiry warning scan failed: %v", err)
			p.reEnqueueWarnings(ctx)
			return err
		}
		if len(page) == 0 {
			break
		}
		for i := range page {
			l := page[i]
			// Mark first: a duplicate notice is worse than a missed one, and
			// the next pass picks up anything whose mark failed.
			if err := p.listingService.MarkExpiryWarned(ctx, l.ID); err != nil {
				log.Printf("Error marking listing %s expiry-warned: %v", l.ID.Hex(), err)
				continue
			}

			user, err := p.userService.FindByID(ctx, l.UserID)
			if err != nil {
				if !errors.Is(err, mongo.ErrNoDocuments) {
					log.Printf("Error loading owner %s for expiry notice: %v", l.UserID.Hex(), err)
				}
				continue
			}
			if user.NotificationPreferences != nil && !user.NotificationPreferences.ListingExpiring {
				continue
			}

			expiresAt := ""
			if l.ExpiresAt != nil {
				expiresAt = l.ExpiresAt.UTC().Format(time.RFC1123)
			}
			payload, err := json.Marshal(EmailTaskPayload{
				To:         user.Email,
				TemplateID: "listing_expiring_soon",
				Data: map[string]interface{}{
					"title":      l.Title,
					"expires_at": expiresAt,
				},
			})
			if err != nil {
				log.Printf("Error marshaling expiry notice payload for %s: %v", l.ID.Hex(), err)
				continue
			}
			task := asynq.NewTask(TypeEmailDelivery, payload)
			if _, err := p.taskClient.EnqueueContext(ctx, task, asynq.Queue("low")); err != nil {
				log.Printf("Error enqueuing expiry notice for listing %s: %v", l.ID.Hex(), err)
			}
		}
		if len(page) < p.cfg.SweepPageSize {
			break
		}
	}

	p.reEnqueueWarnings(ctx)
	return nil
}

func (p *TaskProcessor) reEnqueueWarnings(ctx context.Context) {
	task := asynq.NewTask(TypeExpiryWarnings, nil)
	_, err := p.taskClient.EnqueueContext(ctx, task, asynq.ProcessIn(p.cfg.SweepInterval),
		asynq.Queue("low"), asynq.TaskID("lifecycle-warn"), asynq.Retention(time.Hour))
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		log.Printf("ERROR failed to re-enqueue expiry warnings: %v", err)
	}
}

// CardPhotoPayload identifies an uploaded card photo awaiting normalization.
type CardPhotoPayload struct {
	S3Key     string `json:"s3_key"`
	ListingID string `json:"listing_id"`
}

// HandleCardPhotoProcessTask normalizes an uploaded card photo: clamps its
// dimensions, re-encodes as JPEG, writes a thumbnail variant and attaches
// the key to the listing.
func (p *TaskProcessor) HandleCardPhotoProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload CardPhotoPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal photo task payload: %v: %w", err, asynq.SkipRetry)
	}

	listingID, err := primitive.ObjectIDFromHex(payload.ListingID)
	if err != nil {
		log.Printf("Invalid ListingID in photo task payload: %s", payload.ListingID)
		return fmt.Errorf("invalid listing ID in payload: %w", asynq.SkipRetry)
	}

	getObjectOutput, err := p.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.AwsS3Bucket),
		Key:    aws.String(payload.S3Key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			log.Printf("S3 object %s not found, likely upload failed or key incorrect.", payload.S3Key)
			return fmt.Errorf("s3 object not found: %w", asynq.SkipRetry)
		}
		return fmt.Errorf("failed to download photo from S3: %w", err)
	}
	defer getObjectOutput.Body.Close()

	imgData, err := io.ReadAll(getObjectOutput.Body)
	if err != nil {
		return fmt.Errorf("failed to read photo data for key %s: %w", payload.S3Key, err)
	}

	maxSizeBytes := int64(p.cfg.ImageMaxSizeMB) * 1024 * 1024
	if int64(len(imgData)) > maxSizeBytes {
		log.Printf("Photo %s exceeds max size (%d > %d bytes). Skipping.", payload.S3Key, len(imgData), maxSizeBytes)
		return fmt.Errorf("photo exceeds max size: %w", asynq.SkipRetry)
	}

	img, format, err := image.Decode(bytes.NewReader(imgData))
	if err != nil {
		log.Printf("Error decoding photo for key %s: %v", payload.S3Key, err)
		return fmt.Errorf("unsupported image format or corrupt image: %w", asynq.SkipRetry)
	}
	log.Printf("Decoded photo %s, format: %s, size: %dx%d", payload.S3Key, format, img.Bounds().Dx(), img.Bounds().Dy())

	maxDim := uint(p.cfg.ImageMaxDimension)
	needsResize := uint(img.Bounds().Dx()) > maxDim || uint(img.Bounds().Dy()) > maxDim

	processedData := imgData
	contentType := "image/jpeg"
	if getObjectOutput.ContentType != nil {
		contentType = *getObjectOutput.ContentType
	}

	if needsResize {
		resizedImg := resize.Thumbnail(maxDim, maxDim, img, resize.Lanczos3)
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, resizedImg, &jpeg.Options{Quality: 85}); err != nil {
			return fmt.Errorf("failed to re-encode resized photo: %w", err)
		}
		processedData = buf.Bytes()
		contentType = "image/jpeg"

		if int64(len(processedData)) > maxSizeBytes {
			log.Printf("Resized photo %s still exceeds max size. Skipping.", payload.S3Key)
			return fmt.Errorf("resized photo still exceeds max size: %w", asynq.SkipRetry)
		}
	}

	_, err = p.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.cfg.AwsS3Bucket),
		Key:         aws.String(payload.S3Key),
		Body:        bytes.NewReader(processedData),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload processed photo: %w", err)
	}

	// Thumbnail variant for search results and profile grids.
	thumbSize := uint(p.cfg.ImageThumbSize)
	thumbImg := resize.Thumbnail(thumbSize, thumbSize, img, resize.Lanczos3)
	var thumbBuf bytes.Buffer
	if err := jpeg.Encode(&thumbBuf, thumbImg, &jpeg.Options{Quality: 80}); err != nil {
		return fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	thumbKey := thumbVariantKey(payload.S3Key)
	_, err = p.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.cfg.AwsS3Bucket),
		Key:         aws.String(thumbKey),
		Body:        bytes.NewReader(thumbBuf.Bytes()),
		ContentType: aws.String("image/jpeg"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload thumbnail: %w", err)
	}

	if err := p.listingService.AddImageToListing(ctx, listingID, payload.S3Key); err != nil {
		log.Printf("Error adding photo key %s to listing %s: %v", payload.S3Key, payload.ListingID, err)
		return fmt.Errorf("failed to update listing with processed photo: %w", err)
	}

	log.Printf("Photo task processed successfully: Key=%s, ListingID=%s", payload.S3Key, payload.ListingID)
	return nil
}

// thumbVariantKey derives the thumbnail object key from the original key.
func thumbVariantKey(key string) string {
	if idx := strings.LastIndex(key, "."); idx > strings.LastIndex(key, "/") {
		return key[:idx] + "-thumb" + key[idx:]
	}
	return key + "-thumb"
}
