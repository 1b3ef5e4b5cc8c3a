// Package webserver は制御ループに組み込まれる非ブロッキングHTTPサーバーを提供する
//
// このパッケージは待ち受けソケットと接続集合を所有し、
// dispatcher.Participant として1反復ごとに2回だけ呼び出される。
//
// 責務:
//   - 待ち受けソケットの作成と新規接続の受け付け
//   - リクエストラインとヘッダーの逐次解析
//   - 組み込みテーブルまたはドキュメントルートからのコンテンツ解決
//   - レスポンスの組み立てと部分書き込みの継続
//
// 仕様:
//   - ソケットはすべて非ブロッキングで、レディネス通知があったときだけ操作する
//   - 1リクエスト1接続 (Connection: close)
//   - GET と HEAD のみ配信し、その他のメソッドは 501
//   - ロックを持たない。統計値だけは管理APIから読むためアトミック
package webserver
