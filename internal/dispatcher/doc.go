// Package dispatcher はプロセス唯一の制御ループを提供する
//
// # 責務
//   - 参加者(Participant)から監視対象のディスクリプタを集める
//   - select(2) で最大1秒間レディネスを待つ
//   - 待機後に参加者へ結果を渡し、周期処理(Ticker)を実行する
//
// # 仕様
//   - ループは単一ゴルーチンで動き、ロックを持たない
//   - 待機は1回の反復につき1度だけで、これがループ唯一の停止点
//   - EINTR は即座に再試行し、それ以外の待機エラーは致命的エラーとして Run から返す
//   - キャンセルは反復の合間にだけ観測する
package dispatcher
