package main

import (
	"context"
	"fmt"
	"os"

	"staticagent/internal/agent"
	"staticagent/internal/config"
	"staticagent/internal/logging"
)

// 設定ファイルと環境変数だけで起動する
func main() {
	cfg, err := config.Load(os.Getenv("STATICAGENT_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定の読み込みに失敗しました: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ロガーの作成に失敗しました: %v\n", err)
		os.Exit(1)
	}

	if err := agent.Run(context.Background(), agent.Env{Config: cfg, Log: log}); err != nil {
		log.Error().Err(err).Msg("エージェントの実行に失敗しました")
		os.Exit(1)
	}
}
