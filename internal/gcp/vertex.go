package gcp

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
)

const InvoiceSystemPrompt = "You are an accounts-payable clerk. You read one invoice or receipt and extract its key fields. You must output a single valid JSON object."
const InvoiceUserPrompt = `Read the attached document and return a JSON object with exactly these keys:

- "vendor": the business that issued the document, as printed.
- "amount": the grand total payable, as a number. Use a negative number for refunds and credit notes.
- "currency": the ISO 4217 code of the total, e.g. "HKD", "GBP", "USD".
- "invoiceDate": the issue date as YYYY-MM-DD, or an empty string if none is printed.
- "category": one of "travel", "meals", "accommodation", "equipment", "services", "other".
- "description": one short sentence describing what was bought.
- "projectCode": a project code if one is printed on the document, else an empty string.

Do not guess values that are not on the document. Do not include any text before or after the JSON object.`

// VertexClient holds the pre-configured invoice extraction model.
type VertexClient struct {
	InvoiceModel *genai.GenerativeModel
	baseClient   *genai.Client
}

// NewVertexClient creates a new client holding all necessary models.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = "gemini-1.5-pro"
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	invoiceModel := baseClient.GenerativeModel(modelName)
	invoiceModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(InvoiceSystemPrompt)},
	}
	invoiceModel.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}

	return &VertexClient{
		InvoiceModel: invoiceModel,
		baseClient:   baseClient,
	}, nil
}

// Extract sends the document to the invoice model and returns its raw JSON
// answer.
func (c *VertexClient) Extract(ctx context.Context, data []byte, mimeType string) ([]byte, error) {
	resp, err := c.InvoiceModel.GenerateContent(ctx,
		genai.Blob{MIMEType: mimeType, Data: data},
		genai.Text(InvoiceUserPrompt),
	)
	if err != nil {
		return nil, fmt.Errorf("GenerateContent: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("model returned no candidates")
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	if sb.Len() == 0 {
		return nil, fmt.Errorf("model returned no text")
	}
	return []byte(sb.String()), nil
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
