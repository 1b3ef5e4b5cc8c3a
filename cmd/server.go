// Package main は staticagent コマンドの実装です
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"staticagent/internal/agent"
	"staticagent/internal/config"
	"staticagent/internal/logging"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stderr))
}

// options はコマンドラインオプション
type options struct {
	configPath string
	port       int
	root       string
	writeOut   string
	adminPort  int
	logLevel   string
	help       bool
}

func newFlagSet(opts *options, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("staticagent", flag.ContinueOnError)
	fs.SetOutput(out)

	fs.StringVar(&opts.configPath, "config", "", "設定ファイル (.yaml/.yml/.toml)")
	fs.IntVar(&opts.port, "webserver-port", 8080, "Webサーバーのポート (0 で無効)")
	fs.StringVar(&opts.root, "webserver-path", "", "配信するディレクトリ (省略時は組み込みコンテンツ)")
	fs.StringVar(&opts.writeOut, "write-out-files", "", "組み込みコンテンツを書き出すディレクトリ")
	fs.IntVar(&opts.adminPort, "admin-port", 0, "管理APIのポート (0 で無効)")
	fs.StringVar(&opts.logLevel, "log-level", "", "ログレベル (debug, info, warn, error)")
	fs.BoolVar(&opts.help, "help", false, "ヘルプを表示")

	fs.Usage = func() {
		fmt.Fprintln(out, "staticagent")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "使用方法:")
		fmt.Fprintln(out, "  server [オプション]")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "オプション:")
		fs.PrintDefaults()
	}
	return fs
}

// run はコマンドを実行して終了コードを返す
func run(ctx context.Context, args []string, stderr io.Writer) int {
	var opts options
	fs := newFlagSet(&opts, stderr)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	// ヘルプ表示
	if opts.help {
		fs.Usage()
		return 0
	}

	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "不明な引数です: %v\n", fs.Args())
		fs.Usage()
		return 1
	}

	cfg, err := loadConfig(fs, &opts)
	if err != nil {
		fmt.Fprintf(stderr, "設定の読み込みに失敗しました: %v\n", err)
		return 1
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "ロガーの作成に失敗しました: %v\n", err)
		return 1
	}

	env := agent.Env{
		Config:      cfg,
		Log:         log,
		WriteOutDir: opts.writeOut,
	}
	if err := agent.Run(ctx, env); err != nil {
		log.Error().Err(err).Msg("エージェントの実行に失敗しました")
		return 1
	}
	return 0
}

// loadConfig は設定ファイルと環境変数を読み、明示されたオプションで上書きしてから検証する
func loadConfig(fs *flag.FlagSet, opts *options) (*config.Config, error) {
	cfg, err := config.Read(opts.configPath)
	if err != nil {
		return nil, err
	}

	// コマンドラインオプションで設定を上書き
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "webserver-port":
			cfg.Server.Port = opts.port
		case "webserver-path":
			cfg.Server.Root = opts.root
		case "admin-port":
			cfg.Admin.Port = opts.adminPort
		case "log-level":
			cfg.Log.Level = opts.logLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}
	return cfg, nil
}
