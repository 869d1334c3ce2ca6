package worker

import (
	"context"
	"fmt"
	"mime"
	"strings"

	"github.com/google/uuid"

	"orderdesk/internal/errs"
	"orderdesk/internal/models"
)

const previewLimit = 500

func (p *Processor) handleNotify(ctx context.Context, job models.JobPayload, action models.ActionSpec) error {
	tmpl, err := p.store.FindMessageTemplate(ctx, action.TemplateRef())
	if err != nil {
		if errs.Is(err, errs.CodeNotFound) {
			return errs.InvalidReference("message", action.TemplateRef())
		}
		return err
	}
	order, err := p.store.GetOrder(ctx, job.OrderID)
	if err != nil {
		return err
	}
	data, client, err := p.templateData(ctx, job, order)
	if err != nil {
		return err
	}
	subject, err := Render(tmpl.Subject, data)
	if err != nil {
		return err
	}
	body, err := Render(tmpl.Body, data)
	if err != nil {
		return err
	}

	to := client.Phone
	if action.Channel == "email" {
		to = client.Email
	}
	msg := Message{
		OrderID:      order.ID,
		LogID:        job.LogID,
		Channel:      action.Channel,
		To:           to,
		Subject:      subject,
		Body:         body,
		TemplateCode: tmpl.Code,
		CreatedAt:    p.opts.Now().UTC(),
	}

	entry := models.OutboxEntry{
		Kind:         models.OutboxNotify,
		OrderID:      msg.OrderID,
		LogID:        msg.LogID,
		Channel:      msg.Channel,
		To:           msg.To,
		Subject:      msg.Subject,
		Body:         msg.Body,
		TemplateCode: msg.TemplateCode,
		CreatedAt:    msg.CreatedAt,
	}
	created, err := p.store.AppendOutboxOnce(ctx, &entry)
	if err != nil {
		return err
	}
	logger := p.log.With().Str("order_id", order.ID).Str("log_id", job.LogID).Str("channel", msg.Channel).Logger()
	if !created {
		logger.Debug().Str("template", msg.TemplateCode).Msg("notification already recorded for this transition")
		return nil
	}
	if p.opts.NotifyDryRun || p.transport == nil {
		return nil
	}
	if err := p.transport.Send(ctx, msg); err != nil {
		logger.Warn().Err(err).Msg("notification transport failed, held in outbox")
		return nil
	}
	if err := p.store.MarkOutboxSent(ctx, entry.ID, p.opts.Now()); err != nil {
		logger.Warn().Err(err).Msg("notification sent but not marked, it stays listed in the outbox")
		return nil
	}
	logger.Info().Msg("notification sent")
	return nil
}

func (p *Processor) handlePrint(ctx context.Context, job models.JobPayload, action models.ActionSpec) error {
	tmpl, err := p.store.FindDocumentTemplate(ctx, action.TemplateRef())
	if err != nil {
		if errs.Is(err, errs.CodeNotFound) {
			return errs.InvalidReference("document", action.TemplateRef())
		}
		return err
	}
	order, err := p.store.GetOrder(ctx, job.OrderID)
	if err != nil {
		return err
	}
	data, _, err := p.templateData(ctx, job, order)
	if err != nil {
		return err
	}
	content, err := Render(tmpl.Content, data)
	if err != nil {
		return err
	}
	now := p.opts.Now().UTC()

	if p.opts.PrintDryRun || p.files == nil {
		_, err := p.store.AppendOutboxOnce(ctx, &models.OutboxEntry{
			Kind:         models.OutboxPrint,
			OrderID:      order.ID,
			LogID:        job.LogID,
			Subject:      tmpl.Name,
			Body:         preview(content),
			TemplateCode: tmpl.Code,
			CreatedAt:    now,
		})
		return err
	}

	mimeType := tmpl.MimeType
	if mimeType == "" {
		mimeType = "text/html"
	}
	name := fmt.Sprintf("%s-%s%s", tmpl.Code, job.LogID, extensionFor(mimeType))
	key := fmt.Sprintf("orders/%s/%s", order.ID, name)
	url, err := p.files.Put(ctx, key, []byte(content), mimeType)
	if err != nil {
		return err
	}
	ref := models.FileRef{
		ID:        uuid.New().String(),
		Key:       key,
		Name:      name,
		URL:       url,
		MimeType:  mimeType,
		Size:      int64(len(content)),
		CreatedAt: now,
	}
	if err := p.store.AttachFile(ctx, order.ID, ref); err != nil {
		return err
	}
	p.log.Info().Str("order_id", order.ID).Str("key", key).Msg("document stored")
	return nil
}

func extensionFor(mimeType string) string {
	switch strings.ToLower(mimeType) {
	case "text/html":
		return ".html"
	case "text/plain":
		return ".txt"
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

func preview(content string) string {
	r := []rune(content)
	if len(r) <= previewLimit {
		return content
	}
	return string(r[:previewLimit])
}
