// llmtest is a developer smoke tool for the generative backends. It sends a
// short supportive-chat exchange through Gemini, Bedrock, and the fallback
// chain so provider credentials can be checked without booting the full API.
package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/joho/godotenv"

	"github.com/tmhealth/companion-platform/cmd/mainconfig"
	appconfig "github.com/tmhealth/companion-platform/internal/config"
	"github.com/tmhealth/companion-platform/internal/conversation"
	"github.com/tmhealth/companion-platform/pkg/logging"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req := conversation.LLMRequest{
		System: []string{
			"You are a warm, supportive companion for teenagers. Keep replies brief, validating, and never give medical advice.",
		},
		Messages: []conversation.ChatMessage{
			{Role: conversation.ChatRoleUser, Content: "today was exhausting, i bombed a test and my friends didnt even notice i was upset"},
			{Role: conversation.ChatRoleAssistant, Content: "That sounds like a really heavy day. Bombing a test stings, and feeling invisible on top of it makes it worse. Want to tell me more about what happened with your friends?"},
			{Role: conversation.ChatRoleUser, Content: "they just kept talking about the weekend like i wasnt there"},
		},
		MaxTokens:   200,
		Temperature: 0.7,
	}

	rule := strings.Repeat("=", 60)
	fmt.Println(rule)
	fmt.Println("LLM Provider Smoke Test")
	fmt.Println(rule)

	var gemini, bedrock conversation.LLMClient

	if cfg.GeminiAPIKey != "" {
		fmt.Println("\n[1] Gemini (" + cfg.GeminiModel + ")")
		client, err := conversation.NewGeminiLLMClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			fmt.Printf("    error: failed to create client: %v\n", err)
		} else {
			gemini = client
			tryComplete(ctx, client, req)
		}
	} else {
		fmt.Println("\n[1] Gemini: skipped (GEMINI_API_KEY not set)")
	}

	if cfg.BedrockModelID != "" {
		fmt.Println("\n[2] Bedrock (" + cfg.BedrockModelID + ")")
		awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			fmt.Printf("    error: failed to load AWS config: %v\n", err)
		} else {
			client := conversation.NewBedrockLLMClient(bedrockruntime.NewFromConfig(awsCfg))
			bedrock = client
			bedrockReq := req
			bedrockReq.Model = cfg.BedrockModelID
			tryComplete(ctx, client, bedrockReq)
		}
	} else {
		fmt.Println("\n[2] Bedrock: skipped (BEDROCK_MODEL_ID not set)")
	}

	if gemini != nil && bedrock != nil {
		fmt.Println("\n[3] Fallback chain (gemini -> bedrock)")
		chain := conversation.NewFallbackLLMClient(gemini, bedrock, logger)
		chainReq := req
		chainReq.Model = cfg.BedrockModelID
		tryComplete(ctx, chain, chainReq)
	} else {
		fmt.Println("\n[3] Fallback chain: skipped (needs both providers configured)")
	}

	fmt.Println("\n" + rule)
	fmt.Println("Done. A response above means that provider is reachable with")
	fmt.Println("the current credentials; the engine wires the same chain.")
}

func tryComplete(ctx context.Context, client conversation.LLMClient, req conversation.LLMRequest) {
	start := time.Now()
	resp, err := client.Complete(ctx, req)
	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		fmt.Printf("    error after %v: %v\n", elapsed, err)
		return
	}
	fmt.Printf("    ok in %v (in=%d out=%d tokens)\n", elapsed, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	fmt.Printf("    %s\n", resp.Text)
}
