package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MistralClient turns session numbers into a short narrative report.
// Purely advisory: nothing it returns feeds back into trading decisions.
type MistralClient struct {
	apiKey string
	client *http.Client
}

func NewMistralClient(apiKey string) *MistralClient {
	return &MistralClient{
		apiKey: apiKey,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (m *MistralClient) Enabled() bool { return m != nil && m.apiKey != "" }

type mistralRequest struct {
	Model    string           `json:"model"`
	Messages []mistralMessage `json:"messages"`
}

type mistralMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type mistralResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// SessionReport asks for a daily trading summary. summary is the
// pre-formatted session snapshot (balance, trades, winrate, protection).
func (m *MistralClient) SessionReport(ctx context.Context, summary string) (string, error) {
	prompt := fmt.Sprintf(`Ты — аналитик торгового бота на фьючерсах Binance (BTC/USDT, DCA-стратегия с трейлингом).
Ниже сводка торговой сессии:

%s

Дай краткий отчёт на русском (не более 8 предложений):
1. Оценка результата дня.
2. Что бросается в глаза (винрейт, комиссии, срабатывания защиты).
3. Одна конкретная рекомендация по параметрам, если она очевидна из цифр.
Без воды и без дисклеймеров.`, summary)

	return m.complete(ctx, prompt)
}

// Ask answers a free-form operator question with the session snapshot
// as context.
func (m *MistralClient) Ask(ctx context.Context, question, summary string) (string, error) {
	prompt := fmt.Sprintf(`Ты — ассистент оператора торгового бота. Текущее состояние:

%s

Вопрос оператора: %s

Ответь кратко на русском, только по делу.`, summary, question)

	return m.complete(ctx, prompt)
}

func (m *MistralClient) complete(ctx context.Context, prompt string) (string, error) {
	reqBody := mistralRequest{
		Model: "mistral-small-latest",
		Messages: []mistralMessage{
			{Role: "user", Content: prompt},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://api.mistral.ai/v1/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("mistral API error: %s", string(body))
	}

	var parsed mistralResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("no response from Mistral")
	}
	return parsed.Choices[0].Message.Content, nil
}
